// Package config loads Bay's process configuration from environment
// variables, following the teacher's Options/Config struct pattern
// (cmd/docker-mcp/internal/gateway.Config) generalized to Bay's env-var
// driven surface. cmd/bay defines no flags that override these; the
// environment is the only source.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CapacityBehavior selects what happens when MAX_SHIP_NUM is reached.
type CapacityBehavior string

const (
	BehaviorReject CapacityBehavior = "reject"
	BehaviorWait   CapacityBehavior = "wait"
)

// DriverKind selects the container backend (C2).
type DriverKind string

const (
	DriverDocker       DriverKind = "docker"
	DriverDockerHost   DriverKind = "docker-host"
	DriverPodman       DriverKind = "podman"
	DriverPodmanHost   DriverKind = "podman-host"
	DriverKubernetes   DriverKind = "kubernetes"
)

// Config is the fully resolved process configuration.
type Config struct {
	// HTTP façade
	ListenAddr string
	AccessToken string

	// Allocation core
	MaxShipNum          int
	BehaviorAfterMaxShip CapacityBehavior

	// Container driver selection
	ContainerDriver DriverKind
	DockerImage     string
	DockerNetwork   string
	ShipContainerPort int

	// Readiness probe
	ShipHealthCheckTimeout  time.Duration
	ShipHealthCheckInterval time.Duration

	// Data volume layout
	ShipDataDir                  string
	ShipDeleteVolumeGraceSeconds int

	// Kubernetes driver
	KubeNamespace        string
	KubeConfigPath       string
	KubeImagePullPolicy  string
	KubePVCSize          string
	KubeStorageClass     string

	// Warm pool (C4)
	WarmPoolEnabled            bool
	WarmPoolMinSize            int
	WarmPoolMaxSize            int
	WarmPoolReplenishInterval  time.Duration
	WarmPoolDefaultTTLSeconds  int

	// Reaper (C5)
	ReaperInterval time.Duration

	// Execution history (C8)
	HistoryOutputTruncateBytes int

	// Exec timeout ceiling
	ExecTimeoutSeconds    int
	ExecTimeoutMaxSeconds int

	// Persistent store (C1)
	DBDriver string
	DBDSN    string

	// Ambient
	LogLevel  string
	LogFormat string
}

// Load reads Config from the process environment, applying Bay's defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:                   getEnv("LISTEN_ADDR", ":8080"),
		AccessToken:                  getEnv("ACCESS_TOKEN", "secret-token"),
		MaxShipNum:                   getEnvInt("MAX_SHIP_NUM", 10),
		BehaviorAfterMaxShip:         CapacityBehavior(getEnv("BEHAVIOR_AFTER_MAX_SHIP", string(BehaviorReject))),
		ContainerDriver:              DriverKind(getEnv("CONTAINER_DRIVER", string(DriverDocker))),
		DockerImage:                  getEnv("DOCKER_IMAGE", "shipyard/ship:latest"),
		DockerNetwork:                getEnv("DOCKER_NETWORK", "bridge"),
		ShipContainerPort:            getEnvInt("SHIP_CONTAINER_PORT", 8123),
		ShipHealthCheckTimeout:       getEnvSeconds("SHIP_HEALTH_CHECK_TIMEOUT", 60*time.Second),
		ShipHealthCheckInterval:     getEnvSeconds("SHIP_HEALTH_CHECK_INTERVAL", 2*time.Second),
		ShipDataDir:                  getEnv("SHIP_DATA_DIR", "/var/lib/bay/ships"),
		ShipDeleteVolumeGraceSeconds: getEnvInt("SHIP_DELETE_VOLUME_GRACE_SECONDS", 0),
		KubeNamespace:                getEnv("KUBE_NAMESPACE", "default"),
		KubeConfigPath:               getEnv("KUBE_CONFIG_PATH", ""),
		KubeImagePullPolicy:          getEnv("KUBE_IMAGE_PULL_POLICY", "IfNotPresent"),
		KubePVCSize:                  getEnv("KUBE_PVC_SIZE", "5Gi"),
		KubeStorageClass:             getEnv("KUBE_STORAGE_CLASS", ""),
		WarmPoolEnabled:              getEnvBool("WARM_POOL_ENABLED", true),
		WarmPoolMinSize:              getEnvInt("WARM_POOL_MIN_SIZE", 2),
		WarmPoolMaxSize:              getEnvInt("WARM_POOL_MAX_SIZE", 10),
		WarmPoolReplenishInterval:    getEnvSeconds("WARM_POOL_REPLENISH_INTERVAL", 30*time.Second),
		WarmPoolDefaultTTLSeconds:    getEnvInt("WARM_POOL_DEFAULT_TTL_SECONDS", 86400),
		ReaperInterval:               getEnvSeconds("REAPER_INTERVAL", 10*time.Second),
		HistoryOutputTruncateBytes:   getEnvInt("HISTORY_OUTPUT_TRUNCATE_BYTES", 64*1024),
		ExecTimeoutSeconds:           getEnvInt("EXEC_TIMEOUT_SECONDS", 120),
		ExecTimeoutMaxSeconds:        getEnvInt("EXEC_TIMEOUT_MAX_SECONDS", 600),
		DBDriver:                     getEnv("DB_DRIVER", "sqlite"),
		DBDSN:                        getEnv("DB_DSN", ""),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		LogFormat:                    getEnv("LOG_FORMAT", "text"),
	}

	if cfg.DBDSN == "" {
		cfg.DBDSN = cfg.ShipDataDir + "/bay.db"
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.BehaviorAfterMaxShip {
	case BehaviorReject, BehaviorWait:
	default:
		return fmt.Errorf("config: BEHAVIOR_AFTER_MAX_SHIP must be %q or %q, got %q", BehaviorReject, BehaviorWait, c.BehaviorAfterMaxShip)
	}
	switch c.ContainerDriver {
	case DriverDocker, DriverDockerHost, DriverPodman, DriverPodmanHost, DriverKubernetes:
	default:
		return fmt.Errorf("config: unknown CONTAINER_DRIVER %q", c.ContainerDriver)
	}
	if c.MaxShipNum <= 0 {
		return fmt.Errorf("config: MAX_SHIP_NUM must be positive, got %d", c.MaxShipNum)
	}
	if c.WarmPoolMaxSize < c.WarmPoolMinSize {
		return fmt.Errorf("config: WARM_POOL_MAX_SIZE (%d) must be >= WARM_POOL_MIN_SIZE (%d)", c.WarmPoolMaxSize, c.WarmPoolMinSize)
	}
	if c.ExecTimeoutSeconds > c.ExecTimeoutMaxSeconds {
		return fmt.Errorf("config: EXEC_TIMEOUT_SECONDS (%d) must be <= EXEC_TIMEOUT_MAX_SECONDS (%d)", c.ExecTimeoutSeconds, c.ExecTimeoutMaxSeconds)
	}
	switch c.DBDriver {
	case "sqlite", "":
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q, only %q is supported", c.DBDriver, "sqlite")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	n := getEnvInt(key, -1)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
