package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	"github.com/buildbarn/bb-build-farm/pkg/config"
	"github.com/buildbarn/bb-build-farm/pkg/grpcutil"
	farm_instance "github.com/buildbarn/bb-build-farm/pkg/instance"
	"github.com/buildbarn/bb-build-farm/pkg/server"
	"github.com/buildbarn/bb-build-farm/pkg/watcher"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
)

// watcherTTL is how long a watcher may go without observing a message
// before the expiration sweep considers it dead.
const watcherTTL = 10 * time.Second

func main() {
	var configurationPath string
	pflag.StringVar(&configurationPath, "config", "", "Path to the frontend configuration file")
	pflag.Parse()
	if configurationPath == "" {
		log.Fatal("Usage: bb_farm_frontend --config frontend.yaml")
	}
	configuration, err := config.LoadFrontendConfiguration(configurationPath)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	systemClock := clock.SystemClock

	redisClient := redis.NewClient(&redis.Options{
		Addr: configuration.Redis.Address,
	})
	backplaneConfiguration := backplane.NewRedisBackplaneConfiguration(configuration.Redis.KeyPrefix)
	backplaneConfiguration.MaxPrequeueDepth = configuration.MaxPrequeueDepth
	backplaneConfiguration.MaxQueueDepth = configuration.MaxQueueDepth
	backplaneConfiguration.MaxCompletedOperations = configuration.MaxCompletedOperations
	bp := backplane.NewRedisBackplane(redisClient, systemClock, backplaneConfiguration)

	hub := watcher.NewHub(
		systemClock,
		func(task func()) { go task() },
		bp,
		func(now time.Time) time.Time { return now.Add(watcherTTL) })
	if err := bp.Start(ctx, hub.OnMessage); err != nil {
		log.Fatal("Failed to start backplane: ", err)
	}
	bp.OnUnsubscribe(func() {
		log.Print("Backplane subscription lost; shutting down")
		os.Exit(1)
	})

	recent, err := farm_instance.NewRecentExecutionsCache(systemClock, 1024, time.Minute)
	if err != nil {
		log.Fatal("Failed to create recent executions cache: ", err)
	}
	pool := grpcutil.NewConnectionPool()
	defer pool.Close()
	inst := farm_instance.NewInstance(bp, hub, systemClock, pool, configuration.InstanceName, recent)

	queuer, err := farm_instance.NewOperationQueuer(bp, inst, systemClock, configuration.DirectoryCacheSize)
	if err != nil {
		log.Fatal("Failed to create operation queuer: ", err)
	}
	go queuer.Run(ctx)

	monitor := farm_instance.NewDispatchedMonitor(bp, inst, systemClock, configuration.DispatchedMonitorInterval())
	go monitor.Run(ctx)
	go inst.RunExpirationSweeps(ctx, configuration.WatcherExpirationSweepInterval())
	go inst.RunSubscriptionRepair(ctx)

	if configuration.MetricsListenAddress != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.Handler())
		router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok\n"))
		})
		go func() {
			log.Fatal(http.ListenAndServe(configuration.MetricsListenAddress, router))
		}()
	}

	grpcServer := grpc.NewServer()
	remoteexecution.RegisterExecutionServer(grpcServer, server.NewExecutionServer(inst))
	remoteexecution.RegisterActionCacheServer(grpcServer, server.NewActionCacheServer(bp))
	remoteexecution.RegisterContentAddressableStorageServer(grpcServer, server.NewContentAddressableStorageServer(inst))
	remoteexecution.RegisterCapabilitiesServer(grpcServer, server.NewCapabilitiesServer())
	bytestream.RegisterByteStreamServer(grpcServer, server.NewByteStreamServer(inst, configuration.InstanceName))

	listener, err := net.Listen("tcp", configuration.ListenAddress)
	if err != nil {
		log.Fatal("Failed to listen: ", err)
	}
	log.Print("Serving on ", configuration.ListenAddress)
	if err := grpcServer.Serve(listener); err != nil {
		log.Fatal("Failed to serve: ", err)
	}
}
