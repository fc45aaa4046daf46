package config

import (
	"os"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

// RedisConfiguration describes how to reach the shared backplane.
type RedisConfiguration struct {
	Address   string `yaml:"address"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// FrontendConfiguration is the configuration of one shard frontend.
type FrontendConfiguration struct {
	ListenAddress        string             `yaml:"listenAddress"`
	MetricsListenAddress string             `yaml:"metricsListenAddress"`
	InstanceName         string             `yaml:"instanceName"`
	Redis                RedisConfiguration `yaml:"redis"`

	MaxPrequeueDepth       int64 `yaml:"maxPrequeueDepth"`
	MaxQueueDepth          int64 `yaml:"maxQueueDepth"`
	MaxCompletedOperations int64 `yaml:"maxCompletedOperations"`
	DirectoryCacheSize     int   `yaml:"directoryCacheSize"`

	DispatchedMonitorIntervalSeconds int64 `yaml:"dispatchedMonitorIntervalSeconds"`
	WatcherExpirationSweepSeconds    int64 `yaml:"watcherExpirationSweepSeconds"`
}

// WorkerConfiguration is the configuration of one worker.
type WorkerConfiguration struct {
	ListenAddress        string             `yaml:"listenAddress"`
	PublicName           string             `yaml:"publicName"`
	MetricsListenAddress string             `yaml:"metricsListenAddress"`
	InstanceName         string             `yaml:"instanceName"`
	Redis                RedisConfiguration `yaml:"redis"`

	CacheDirectoryPath   string            `yaml:"cacheDirectoryPath"`
	ExecDirectoryPath    string            `yaml:"execDirectoryPath"`
	MaxCacheSizeBytes    int64             `yaml:"maxCacheSizeBytes"`
	LinkInputDirectories bool              `yaml:"linkInputDirectories"`
	Platform             map[string]string `yaml:"platform"`

	InputFetchConcurrency   int `yaml:"inputFetchConcurrency"`
	ExecuteConcurrency      int `yaml:"executeConcurrency"`
	ReportResultConcurrency int `yaml:"reportResultConcurrency"`

	DefaultExecutionTimeoutSeconds int64 `yaml:"defaultExecutionTimeoutSeconds"`
	MaximumExecutionTimeoutSeconds int64 `yaml:"maximumExecutionTimeoutSeconds"`
}

func load(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "Failed to read configuration from %s: %s", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return status.Errorf(codes.InvalidArgument, "Failed to parse configuration from %s: %s", path, err)
	}
	return nil
}

// LoadFrontendConfiguration reads and validates a frontend
// configuration file, applying defaults for unset tunables.
func LoadFrontendConfiguration(path string) (*FrontendConfiguration, error) {
	configuration := &FrontendConfiguration{
		MaxPrequeueDepth:                 1000000,
		MaxQueueDepth:                    1000000,
		MaxCompletedOperations:           10000,
		DirectoryCacheSize:               10000,
		DispatchedMonitorIntervalSeconds: 1,
		WatcherExpirationSweepSeconds:    10,
	}
	if err := load(path, configuration); err != nil {
		return nil, err
	}
	if configuration.ListenAddress == "" {
		return nil, status.Error(codes.InvalidArgument, "No listen address specified")
	}
	if configuration.Redis.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "No Redis address specified")
	}
	if configuration.Redis.KeyPrefix == "" {
		configuration.Redis.KeyPrefix = "buildfarm"
	}
	return configuration, nil
}

// LoadWorkerConfiguration reads and validates a worker configuration
// file, applying defaults for unset tunables.
func LoadWorkerConfiguration(path string) (*WorkerConfiguration, error) {
	configuration := &WorkerConfiguration{
		LinkInputDirectories:           true,
		InputFetchConcurrency:          4,
		ExecuteConcurrency:             4,
		ReportResultConcurrency:        4,
		DefaultExecutionTimeoutSeconds: 300,
		MaximumExecutionTimeoutSeconds: 3600,
	}
	if err := load(path, configuration); err != nil {
		return nil, err
	}
	if configuration.ListenAddress == "" {
		return nil, status.Error(codes.InvalidArgument, "No listen address specified")
	}
	if configuration.PublicName == "" {
		configuration.PublicName = configuration.ListenAddress
	}
	if configuration.Redis.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "No Redis address specified")
	}
	if configuration.Redis.KeyPrefix == "" {
		configuration.Redis.KeyPrefix = "buildfarm"
	}
	if configuration.CacheDirectoryPath == "" || configuration.ExecDirectoryPath == "" {
		return nil, status.Error(codes.InvalidArgument, "No cache or execution directory specified")
	}
	if configuration.MaxCacheSizeBytes <= 0 {
		return nil, status.Error(codes.InvalidArgument, "Maximum cache size must be positive")
	}
	return configuration, nil
}

// DispatchedMonitorInterval returns the scan interval as a duration.
func (c *FrontendConfiguration) DispatchedMonitorInterval() time.Duration {
	return time.Duration(c.DispatchedMonitorIntervalSeconds) * time.Second
}

// WatcherExpirationSweepInterval returns the sweep interval as a
// duration.
func (c *FrontendConfiguration) WatcherExpirationSweepInterval() time.Duration {
	return time.Duration(c.WatcherExpirationSweepSeconds) * time.Second
}

// DefaultExecutionTimeout returns the default action timeout.
func (c *WorkerConfiguration) DefaultExecutionTimeout() time.Duration {
	return time.Duration(c.DefaultExecutionTimeoutSeconds) * time.Second
}

// MaximumExecutionTimeout returns the maximum allowed action timeout.
func (c *WorkerConfiguration) MaximumExecutionTimeout() time.Duration {
	return time.Duration(c.MaximumExecutionTimeoutSeconds) * time.Second
}
