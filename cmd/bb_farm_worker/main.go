package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	farm_cas "github.com/buildbarn/bb-build-farm/pkg/cas"
	"github.com/buildbarn/bb-build-farm/pkg/config"
	"github.com/buildbarn/bb-build-farm/pkg/grpcutil"
	"github.com/buildbarn/bb-build-farm/pkg/server"
	"github.com/buildbarn/bb-build-farm/pkg/worker"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
)

func main() {
	var configurationPath string
	pflag.StringVar(&configurationPath, "config", "", "Path to the worker configuration file")
	pflag.Parse()
	if configurationPath == "" {
		log.Fatal("Usage: bb_farm_worker --config worker.yaml")
	}
	configuration, err := config.LoadWorkerConfiguration(configurationPath)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	systemClock := clock.SystemClock

	redisClient := redis.NewClient(&redis.Options{
		Addr: configuration.Redis.Address,
	})
	bp := backplane.NewRedisBackplane(redisClient, systemClock,
		backplane.NewRedisBackplaneConfiguration(configuration.Redis.KeyPrefix))

	cacheDirectory, err := filesystem.NewLocalDirectory(configuration.CacheDirectoryPath)
	if err != nil {
		log.Fatal("Failed to open cache directory: ", err)
	}
	execDirectory, err := filesystem.NewLocalDirectory(configuration.ExecDirectoryPath)
	if err != nil {
		log.Fatal("Failed to open execution directory: ", err)
	}
	if err := execDirectory.RemoveAllChildren(); err != nil {
		log.Fatal("Failed to clean execution directory: ", err)
	}

	pool := grpcutil.NewConnectionPool()
	defer pool.Close()
	fetcher := farm_cas.NewRemoteBlobFetcher(bp, pool, configuration.PublicName)
	digestFunction := digest.MustNewFunction(configuration.InstanceName, remoteexecution.DigestFunction_SHA256)

	publicName := configuration.PublicName
	fileCache := farm_cas.NewFileCache(
		cacheDirectory,
		configuration.MaxCacheSizeBytes,
		digestFunction,
		systemClock,
		fetcher,
		func(blobDigest digest.Digest) {
			// Announce the new blob's location without
			// blocking the cache insertion.
			go func() {
				announceCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := bp.AdjustBlobLocations(announceCtx, blobDigest, []string{publicName}, nil); err != nil {
					log.Printf("Failed to announce blob %#v: %s", blobDigest.String(), err)
				}
			}()
		},
		func(blobDigests []digest.Digest) {
			go func() {
				announceCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				for _, blobDigest := range blobDigests {
					if err := bp.AdjustBlobLocations(announceCtx, blobDigest, nil, []string{publicName}); err != nil {
						log.Printf("Failed to withdraw blob %#v: %s", blobDigest.String(), err)
					}
				}
			}()
		})
	if err := fileCache.Start(); err != nil {
		log.Fatal("Failed to recover file cache: ", err)
	}

	execFS := farm_cas.NewExecFileSystem(
		execDirectory,
		configuration.ExecDirectoryPath,
		fileCache,
		configuration.CacheDirectoryPath,
		configuration.LinkInputDirectories)

	if err := bp.AddWorker(ctx, publicName); err != nil {
		log.Fatal("Failed to register worker: ", err)
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		bp.RemoveWorker(removeCtx, publicName)
	}()

	match := worker.NewMatchStage(bp, systemClock, configuration.Platform,
		time.Second, 10*time.Second, backplane.DefaultDispatchDeadline)
	pipeline := worker.NewPipeline(bp, match, execFS,
		worker.NewInputFetchStage(fetcher, execFS, configuration.InputFetchConcurrency),
		worker.NewExecuteStage(bp, worker.NewLocalRunner(), systemClock,
			configuration.DefaultExecutionTimeout(),
			configuration.MaximumExecutionTimeout(),
			configuration.ExecuteConcurrency),
		worker.NewReportResultStage(bp, fileCache, execFS, systemClock, publicName, configuration.ReportResultConcurrency))
	go pipeline.Run(ctx)

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
	remoteexecution.RegisterContentAddressableStorageServer(grpcServer, server.NewWorkerContentAddressableStorageServer(fileCache))
	bytestream.RegisterByteStreamServer(grpcServer, server.NewWorkerByteStreamServer(fileCache, configuration.InstanceName))

	listener, err := net.Listen("tcp", configuration.ListenAddress)
	if err != nil {
		log.Fatal("Failed to listen: ", err)
	}
	log.Print("Serving on ", configuration.ListenAddress)
	if err := grpcServer.Serve(listener); err != nil {
		log.Fatal("Failed to serve: ", err)
	}
}
