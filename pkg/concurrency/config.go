package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config sizes parallel pipeline execution.
type Config struct {
	// MaxConcurrent bounds the pipeline instances running at once
	MaxConcurrent int
	// Instances is the default number of parallel pipeline instances
	Instances     int
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads the configuration with priority: env vars > auto-detection.
//
//	CONDUIT_MAX_CONCURRENT          absolute bound on running instances
//	CONDUIT_CONCURRENCY_MULTIPLIER  bound as a multiple of the effective CPUs
//	CONDUIT_PIPELINE_INSTANCES      default instance count
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if maxConcurrent := getEnvInt("CONDUIT_MAX_CONCURRENT", 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("CONDUIT_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = getDefaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	config.MaxConcurrent = max(config.MaxConcurrent, 1)

	if n := getEnvInt("CONDUIT_PIPELINE_INSTANCES", 0); n > 0 {
		config.Instances = n
	} else {
		// pipelines are mostly I/O bound on their source and sinks
		config.Instances = config.EffectiveCPUs
	}
	config.Instances = min(config.Instances, config.MaxConcurrent)

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func getDefaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, Instances: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.Instances,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
