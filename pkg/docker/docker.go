package docker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

// Naming scheme for everything this engine creates.
const imageRepo = "kohakuriver"

// TaskContainerName is the container name for a batch task.
func TaskContainerName(taskID int64) string {
	return "kohakuriver-task-" + strconv.FormatInt(taskID, 10)
}

// VPSContainerName is the container name for a docker-backed VPS.
func VPSContainerName(taskID int64) string {
	return "kohakuriver-vps-" + strconv.FormatInt(taskID, 10)
}

// ImageTag is the local tag a synced environment runs under.
func ImageTag(containerName string) string {
	return imageRepo + "/" + containerName + ":base"
}

// Engine wraps the Docker SDK client with the runner's image-sync and
// container-lifecycle logic. Constructed once in main and injected.
type Engine struct {
	cli *client.Client

	// One image sync at a time per runner; concurrent tasks needing the
	// same unsynced image share the one load.
	syncMu      sync.Mutex
	syncTimeout time.Duration
	containerDir string
}

// NewEngine connects to the local Docker daemon.
func NewEngine(containerDir string, syncTimeout time.Duration) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Engine{
		cli:          cli,
		syncTimeout:  syncTimeout,
		containerDir: containerDir,
	}, nil
}

// Close releases the SDK client.
func (e *Engine) Close() error {
	return e.cli.Close()
}

// Ping verifies daemon connectivity.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

// localImageCreated returns the creation time of a local image, or zero
// when the image is absent.
func (e *Engine) localImageCreated(ctx context.Context, tag string) (time.Time, error) {
	inspect, _, err := e.cli.ImageInspectWithRaw(ctx, tag)
	if err != nil {
		if client.IsErrNotFound(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to inspect image %s: %w", tag, err)
	}
	created, err := time.Parse(time.RFC3339Nano, inspect.Created)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable created time on %s: %w", tag, err)
	}
	return created, nil
}

// ContainerExists reports whether a container with the given name is known
// to the daemon, and whether it is running.
func (e *Engine) ContainerExists(ctx context.Context, name string) (exists, running bool, err error) {
	inspect, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, inspect.State != nil && inspect.State.Running, nil
}

// ListManagedContainers lists containers created by this runner.
func (e *Engine) ListManagedContainers(ctx context.Context) ([]types.Container, error) {
	containers, err := e.cli.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	var out []types.Container
	for _, c := range containers {
		for _, name := range c.Names {
			if len(name) > 1 && (hasPrefix(name[1:], "kohakuriver-task-") || hasPrefix(name[1:], "kohakuriver-vps-")) {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}
