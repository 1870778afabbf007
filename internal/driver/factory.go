package driver

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/shipyard/bay/internal/config"
)

// New builds the Driver selected by cfg.ContainerDriver (CONTAINER_DRIVER).
func New(cfg config.Config, log *logrus.Entry) (Driver, error) {
	switch cfg.ContainerDriver {
	case config.DriverDocker:
		return NewDockerDriver("", false, cfg.DockerNetwork, cfg.ShipDataDir, log)
	case config.DriverDockerHost:
		return NewDockerDriver("", true, cfg.DockerNetwork, cfg.ShipDataDir, log)
	case config.DriverPodman:
		return NewPodmanDriver("", false, cfg.DockerNetwork, cfg.ShipDataDir, log)
	case config.DriverPodmanHost:
		return NewPodmanDriver("", true, cfg.DockerNetwork, cfg.ShipDataDir, log)
	case config.DriverKubernetes:
		return NewKubernetesDriver(KubernetesConfig{
			Namespace:      cfg.KubeNamespace,
			KubeconfigPath: cfg.KubeConfigPath,
			PullPolicy:     cfg.KubeImagePullPolicy,
			StorageClass:   cfg.KubeStorageClass,
			PVCSize:        cfg.KubePVCSize,
		}, log)
	default:
		return nil, fmt.Errorf("driver: unknown CONTAINER_DRIVER %q", cfg.ContainerDriver)
	}
}
