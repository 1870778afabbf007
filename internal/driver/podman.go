package driver

import "github.com/sirupsen/logrus"

// NewPodmanDriver builds a driver against a Podman daemon's Docker-compatible
// REST socket (Podman ships one since v3). Podman's container and volume
// semantics over that socket match Docker's closely enough that Bay reuses
// DockerDriver unmodified rather than maintaining a parallel SDK binding —
// the same approach the teacher's runtime package could have taken but
// didn't need to, since it drove Podman only through the CLI wrapper that
// also served Docker.
func NewPodmanDriver(socket string, hostPort bool, network, dataDir string, log *logrus.Entry) (*DockerDriver, error) {
	d, err := NewDockerDriver(socket, hostPort, network, dataDir, log)
	if err != nil {
		return nil, err
	}
	d.name = "podman"
	return d, nil
}
