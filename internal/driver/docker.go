package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"github.com/shipyard/bay/internal/errs"
)

// Per-Ship data-volume layout: a host directory
// {SHIP_DATA_DIR}/{ship_id}/ with two bind-mounted subdirectories.
// Neither is removed on Stop or delete_permanent — the host directory is
// only removed by DeleteVolume, which only the reaper's grace-period sweep
// invokes.
const (
	homeMountPath     = "/home"
	metadataMountPath = "/app/metadata"
)

// DockerDriver runs Ships as Docker (or Podman, via a Docker-compatible
// socket) containers using the Engine API SDK directly, rather than
// shelling out to the docker CLI.
//
// Grounded on the teacher's runtime.DockerContainerRuntime
// (cmd/docker-mcp/internal/gateway/runtime/docker.go), which wraps the
// `docker` CLI via os/exec because it needs an attached interactive stdio
// stream for the MCP protocol. Bay's Ships are reached over HTTP, not
// stdio, so that constraint doesn't apply — the SDK client used directly
// (as other_examples' wskish-discobot sandbox provider does) gives typed
// ContainerCreate/ContainerInspect/ContainerLogs calls in place of parsing
// CLI text output, a deliberate divergence from a shell-out implementation.
type DockerDriver struct {
	cli      *client.Client
	log      *logrus.Entry
	hostPort bool // true = map container port to a host port (DockerHostMapped); false = attach-network only
	network  string
	name     string
	dataDir  string // SHIP_DATA_DIR: host root for per-Ship volumes
}

// NewDockerDriver connects to the local Docker (or Podman, via host
// override) daemon. hostPort selects between the two supported bindings:
// attached-network (false) vs host-port-mapped (true).
func NewDockerDriver(host string, hostPort bool, network, dataDir string, log *logrus.Entry) (*DockerDriver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("driver: new docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, errs.Wrap(errs.KindBackendUnreachable, "docker daemon unreachable", err)
	}

	return &DockerDriver{cli: cli, log: log, hostPort: hostPort, network: network, name: "docker", dataDir: dataDir}, nil
}

func (d *DockerDriver) Name() string { return d.name }

func containerName(shipID string) string { return "bay-ship-" + shipID }

// shipDir, homeDir, metadataDir implement the host directory layout:
// {SHIP_DATA_DIR}/{ship_id}/{home,metadata}.
func (d *DockerDriver) shipDir(shipID string) string     { return filepath.Join(d.dataDir, shipID) }
func (d *DockerDriver) homeDir(shipID string) string     { return filepath.Join(d.shipDir(shipID), "home") }
func (d *DockerDriver) metadataDir(shipID string) string { return filepath.Join(d.shipDir(shipID), "metadata") }

func (d *DockerDriver) ensureImage(ctx context.Context, image string) error {
	if _, err := d.cli.ImageInspect(ctx, image); err == nil {
		return nil
	}
	reader, err := d.cli.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return errs.Wrap(errs.KindImagePullFailed, fmt.Sprintf("pull %s", image), err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return errs.Wrap(errs.KindImagePullFailed, fmt.Sprintf("pull %s", image), err)
	}
	return nil
}

func (d *DockerDriver) Create(ctx context.Context, shipID string, spec Spec) (Info, error) {
	if _, err := ParseDockerMemory(spec.Memory); err != nil {
		return Info{}, err
	}

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return Info{}, err
	}

	if err := os.MkdirAll(d.homeDir(shipID), 0o755); err != nil {
		return Info{}, errs.Wrap(errs.KindBackendUnreachable, "create ship home directory", err)
	}
	if err := os.MkdirAll(d.metadataDir(shipID), 0o755); err != nil {
		return Info{}, errs.Wrap(errs.KindBackendUnreachable, "create ship metadata directory", err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	labels := map[string]string{"bay.shipyard.dev/ship-id": shipID, "bay.shipyard.dev/managed": "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerConfig := &containerTypes.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    env,
		Labels: labels,
	}
	hostConfig := &containerTypes.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: d.homeDir(shipID), Target: homeMountPath},
			{Type: mount.TypeBind, Source: d.metadataDir(shipID), Target: metadataMountPath},
		},
	}

	if spec.CPUs > 0 {
		hostConfig.NanoCPUs = int64(spec.CPUs * 1e9)
	}
	if mem, _ := ParseDockerMemory(spec.Memory); mem != "" {
		if bytes, err := parseByteSize(mem); err == nil {
			hostConfig.Memory = bytes
		}
	}
	// Optional disk spec: a bounded tmpfs mount rather than a host
	// directory, since scratch space has no recovery/persistence
	// requirement the home/metadata bind mounts above carry.
	if spec.Disk != "" {
		if bytes, err := parseByteSize(spec.Disk); err == nil {
			hostConfig.Tmpfs = map[string]string{"/tmp/ship-scratch": fmt.Sprintf("size=%d", bytes)}
		}
	}

	network := spec.Network
	if network == "" {
		network = d.network
	}

	var port nat.Port
	if spec.Port > 0 {
		port = nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
		containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}
		if d.hostPort {
			hostConfig.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}}}
		}
	}
	if network != "" {
		hostConfig.NetworkMode = containerTypes.NetworkMode(network)
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(shipID))
	if err != nil {
		return Info{}, errs.Wrap(errs.KindBackendUnreachable, "create container", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		return Info{}, errs.Wrap(errs.KindBackendUnreachable, "start container", err)
	}

	endpoint := ""
	if spec.Port > 0 {
		if d.hostPort {
			inspect, err := d.cli.ContainerInspect(ctx, resp.ID)
			if err == nil && inspect.NetworkSettings != nil {
				if bindings, ok := inspect.NetworkSettings.Ports[port]; ok && len(bindings) > 0 {
					endpoint = fmt.Sprintf("127.0.0.1:%s", bindings[0].HostPort)
				}
			}
		} else {
			endpoint = fmt.Sprintf("%s:%d", containerName(shipID), spec.Port)
		}
	}

	return Info{ContainerID: resp.ID, Endpoint: endpoint, Running: true}, nil
}

func (d *DockerDriver) Inspect(ctx context.Context, shipID string) (Info, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerName(shipID))
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return Info{}, errs.NotFound("ship container", shipID)
		}
		return Info{}, errs.Wrap(errs.KindBackendUnreachable, "inspect container", err)
	}
	return Info{ContainerID: inspect.ID, Running: inspect.State != nil && inspect.State.Running}, nil
}

func (d *DockerDriver) Stop(ctx context.Context, shipID string) error {
	timeout := 10
	err := d.cli.ContainerStop(ctx, containerName(shipID), containerTypes.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return errs.Wrap(errs.KindBackendUnreachable, "stop container", err)
	}
	if err := d.cli.ContainerRemove(ctx, containerName(shipID), containerTypes.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return errs.Wrap(errs.KindBackendUnreachable, "remove container", err)
	}
	return nil
}

// DataExists reports whether a Ship's host data directory survived a prior
// Stop — the data-volume layout is not auto-deleted on delete_permanent.
func (d *DockerDriver) DataExists(ctx context.Context, shipID string) (bool, error) {
	_, err := os.Stat(d.shipDir(shipID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.Wrap(errs.KindBackendUnreachable, "stat ship data directory", err)
	}
	return true, nil
}

// DeleteVolume removes a Ship's host data directory. Only the reaper's
// grace-period sweep calls this — never Stop or delete_permanent, which
// both leave the volume in place.
func (d *DockerDriver) DeleteVolume(ctx context.Context, shipID string) error {
	if err := os.RemoveAll(d.shipDir(shipID)); err != nil {
		return errs.Wrap(errs.KindBackendUnreachable, "remove ship data directory", err)
	}
	return nil
}

func (d *DockerDriver) Logs(ctx context.Context, shipID string, tail int) (string, error) {
	tailStr := "all"
	if tail > 0 {
		tailStr = strconv.Itoa(tail)
	}
	reader, err := d.cli.ContainerLogs(ctx, containerName(shipID), containerTypes.LogsOptions{
		ShowStdout: true, ShowStderr: true, Tail: tailStr,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", errs.NotFound("ship container", shipID)
		}
		return "", errs.Wrap(errs.KindBackendUnreachable, "fetch logs", err)
	}
	defer reader.Close()

	var out, errOut strings.Builder
	if _, err := stdcopy.StdCopy(&out, &errOut, reader); err != nil {
		return "", errs.Wrap(errs.KindBackendUnreachable, "demux logs", err)
	}
	if errOut.Len() > 0 {
		return out.String() + errOut.String(), nil
	}
	return out.String(), nil
}

func (d *DockerDriver) Shutdown(ctx context.Context) error {
	return d.cli.Close()
}

// parseByteSize converts a Docker-style "512m"/"1g" string into bytes. Bare
// numeric strings are treated as bytes.
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
