package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"

	kohakutypes "github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// LaunchSpec is everything needed to materialise one workload container.
type LaunchSpec struct {
	Name       string
	Image      string
	Command    string // shell-composed; run under /bin/sh -c
	Env        []string
	WorkingDir string
	Cores      int
	MemoryBytes int64
	GPUs       []int
	Privileged bool
	Mounts     []kohakutypes.MountSpec
	NetworkName string // overlay network; empty means default bridge
	IPv4       string  // reserved overlay address, optional
}

// ComposeShellCommand wraps the user command the way every task container
// runs it: optional numactl binding, optional tunnel-client boot, stdout
// and stderr redirected into the shared logs directory so the host can
// serve them without reaching into the runner.
func ComposeShellCommand(command string, args []string, numaNode *int, stdoutPath, stderrPath string, tunnelClient bool) string {
	var b strings.Builder
	if tunnelClient {
		b.WriteString("kohakuriver-tunnel-client & ")
	}
	if numaNode != nil {
		fmt.Fprintf(&b, "numactl --cpunodebind=%d --membind=%d ", *numaNode, *numaNode)
	}
	b.WriteString(command)
	for _, a := range args {
		b.WriteString(" ")
		b.WriteString(shellQuote(a))
	}
	if stdoutPath != "" {
		b.WriteString(" > " + shellQuote(stdoutPath))
	}
	if stderrPath != "" {
		b.WriteString(" 2> " + shellQuote(stderrPath))
	}
	return b.String()
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$&|;<>()*?[]#~%{}\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Launch creates and starts a container. The entrypoint is always
// /bin/sh -c so redirects and the tunnel client work uniformly.
func (e *Engine) Launch(ctx context.Context, spec *LaunchSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"/bin/sh", "-c", spec.Command},
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     map[string]string{"io.kohakuriver.managed": "true"},
	}
	host := &container.HostConfig{
		Privileged: spec.Privileged,
		Resources: container.Resources{
			NanoCPUs: int64(spec.Cores) * 1e9,
			Memory:   spec.MemoryBytes,
		},
	}
	for _, m := range spec.Mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		host.Binds = append(host.Binds, bind)
	}
	if len(spec.GPUs) > 0 {
		ids := make([]string, len(spec.GPUs))
		for i, g := range spec.GPUs {
			ids[i] = strconv.Itoa(g)
		}
		host.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    ids,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	var netCfg *network.NetworkingConfig
	if spec.NetworkName != "" {
		host.NetworkMode = container.NetworkMode(spec.NetworkName)
		endpoint := &network.EndpointSettings{}
		if spec.IPv4 != "" {
			endpoint.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: spec.IPv4}
		}
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.NetworkName: endpoint},
		}
	}

	created, err := e.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	if err := e.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		_ = e.cli.ContainerRemove(ctx, created.ID, types.ContainerRemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

// Wait blocks until the container exits and returns its exit code.
func (e *Engine) Wait(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("waiting on container %s: %w", containerID, err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container %s: %s", containerID, status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill SIGKILLs a container; a missing container is not an error.
func (e *Engine) Kill(ctx context.Context, nameOrID string) error {
	err := e.cli.ContainerKill(ctx, nameOrID, "KILL")
	if err != nil && strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return err
}

// Pause suspends all container processes.
func (e *Engine) Pause(ctx context.Context, nameOrID string) error {
	return e.cli.ContainerPause(ctx, nameOrID)
}

// Unpause resumes a paused container.
func (e *Engine) Unpause(ctx context.Context, nameOrID string) error {
	return e.cli.ContainerUnpause(ctx, nameOrID)
}

// Remove force-removes a container.
func (e *Engine) Remove(ctx context.Context, nameOrID string) error {
	return e.cli.ContainerRemove(ctx, nameOrID, types.ContainerRemoveOptions{Force: true})
}

// ContainerIP returns the container's address on the given network.
func (e *Engine) ContainerIP(ctx context.Context, nameOrID, networkName string) (string, error) {
	inspect, err := e.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return "", err
	}
	if ep, ok := inspect.NetworkSettings.Networks[networkName]; ok {
		return ep.IPAddress, nil
	}
	return "", fmt.Errorf("container %s not on network %s", nameOrID, networkName)
}

// EnsureOverlayNetwork creates the kohakuriver-overlay Docker network
// bound to the kernel bridge the runner already configured, so containers
// launched on it get fabric addresses.
func (e *Engine) EnsureOverlayNetwork(ctx context.Context, name, bridgeName, subnet, gateway string) error {
	nets, err := e.cli.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}
	_, err = e.cli.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver: "bridge",
		Options: map[string]string{
			"com.docker.network.bridge.name": bridgeName,
		},
		IPAM: &network.IPAM{
			Driver: "default",
			Config: []network.IPAMConfig{{
				Subnet:  subnet,
				Gateway: gateway,
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// ExecPTY starts an interactive shell inside a container and returns the
// hijacked bidirectional stream. The terminal proxy pipes it over a
// WebSocket.
func (e *Engine) ExecPTY(ctx context.Context, nameOrID string, cmd []string) (*types.HijackedResponse, error) {
	if len(cmd) == 0 {
		cmd = []string{"/bin/sh"}
	}
	exec, err := e.cli.ContainerExecCreate(ctx, nameOrID, types.ExecConfig{
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec on %s: %w", nameOrID, err)
	}
	resp, err := e.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec on %s: %w", nameOrID, err)
	}
	return &resp, nil
}
