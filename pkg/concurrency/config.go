package concurrency

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Engine defaults
const (
	DefaultWorkerCount = 4
	DefaultLineTimeout = 600 * time.Second
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config holds the engine's concurrency settings
type Config struct {
	// NodeConcurrency bounds concurrent node invocations within one line
	NodeConcurrency int
	// WorkerCount is the number of line workers
	WorkerCount int
	// LineTimeout bounds a single line
	LineTimeout time.Duration
	// BatchTimeout bounds the whole batch; zero disables it
	BatchTimeout time.Duration
	// FailFast bypasses dependents of failed nodes with a propagated error
	FailFast bool

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads configuration with priority: env vars > auto-detection > defaults
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: GetEffectiveCPUs(),
		FailFast:      true,
	}

	if n := getEnvInt("DAEDALUS_NODE_CONCURRENCY", 0); n > 0 {
		config.NodeConcurrency = n
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("DAEDALUS_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.NodeConcurrency = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.NodeConcurrency = getDefaultNodeConcurrency(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	if config.NodeConcurrency < 1 {
		config.NodeConcurrency = 1
	}

	config.WorkerCount = getEnvInt("DAEDALUS_WORKER_COUNT", DefaultWorkerCount)
	if config.WorkerCount < 1 {
		config.WorkerCount = DefaultWorkerCount
	}

	config.LineTimeout = time.Duration(getEnvInt("DAEDALUS_LINE_TIMEOUT_SEC", 0)) * time.Second
	if config.LineTimeout <= 0 {
		config.LineTimeout = DefaultLineTimeout
	}

	if sec := getEnvInt("DAEDALUS_BATCH_TIMEOUT_SEC", 0); sec > 0 {
		config.BatchTimeout = time.Duration(sec) * time.Second
	}

	if v := getEnv("DAEDALUS_FAIL_FAST", ""); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			config.FailFast = b
		}
	}

	return config
}

// WorkersFor caps the worker count by the number of lines when it is known
func (c *Config) WorkersFor(lines int) int {
	if lines > 0 && lines < c.WorkerCount {
		return lines
	}
	return c.WorkerCount
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultNodeConcurrency is conservative under Kubernetes CPU quotas
func getDefaultNodeConcurrency(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 2)
	}
	return cpus
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{NodeConcurrency: %d, WorkerCount: %d, LineTimeout: %s, BatchTimeout: %s, FailFast: %t, IsK8s: %t, CPUs: %d, Source: %s}",
		c.NodeConcurrency,
		c.WorkerCount,
		c.LineTimeout,
		c.BatchTimeout,
		c.FailFast,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
