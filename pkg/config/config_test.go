package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buildbarn/bb-build-farm/pkg/config"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFrontendConfigurationAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
listenAddress: ":8980"
instanceName: main
redis:
  address: "redis:6379"
`)
	configuration, err := config.LoadFrontendConfiguration(path)
	require.NoError(t, err)
	require.Equal(t, ":8980", configuration.ListenAddress)
	require.Equal(t, "buildfarm", configuration.Redis.KeyPrefix)
	require.EqualValues(t, 1000000, configuration.MaxQueueDepth)
	require.Equal(t, int64(1), int64(configuration.DispatchedMonitorInterval().Seconds()))
}

func TestLoadFrontendConfigurationRequiresRedis(t *testing.T) {
	path := writeConfig(t, `
listenAddress: ":8980"
`)
	_, err := config.LoadFrontendConfiguration(path)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLoadWorkerConfiguration(t *testing.T) {
	path := writeConfig(t, `
listenAddress: ":8981"
publicName: "worker-1:8981"
instanceName: main
redis:
  address: "redis:6379"
  keyPrefix: myfarm
cacheDirectoryPath: /var/cache/farm
execDirectoryPath: /var/lib/farm
maxCacheSizeBytes: 1073741824
platform:
  os: linux
executeConcurrency: 8
`)
	configuration, err := config.LoadWorkerConfiguration(path)
	require.NoError(t, err)
	require.Equal(t, "worker-1:8981", configuration.PublicName)
	require.Equal(t, "myfarm", configuration.Redis.KeyPrefix)
	require.Equal(t, 8, configuration.ExecuteConcurrency)
	require.Equal(t, 4, configuration.InputFetchConcurrency)
	require.True(t, configuration.LinkInputDirectories)
	require.Equal(t, "linux", configuration.Platform["os"])
}

func TestLoadWorkerConfigurationRequiresCacheSize(t *testing.T) {
	path := writeConfig(t, `
listenAddress: ":8981"
redis:
  address: "redis:6379"
cacheDirectoryPath: /var/cache/farm
execDirectoryPath: /var/lib/farm
`)
	_, err := config.LoadWorkerConfiguration(path)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
