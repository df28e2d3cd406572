package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// defaultTimeout bounds every call except VPS creation, which may
// legitimately run for minutes and is watchdogged host-side instead.
const defaultTimeout = 15 * time.Second

// doJSON posts (or puts) a JSON body and decodes a JSON response. A
// transport failure comes back wrapped in errdefs.ErrRunnerUnreachable; an
// HTTP error status is an explicit rejection.
func doJSON(ctx context.Context, hc *http.Client, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", errdefs.ErrRunnerUnreachable, method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var eb types.ErrorBody
		detail := resp.Status
		if json.NewDecoder(resp.Body).Decode(&eb) == nil && eb.Detail != "" {
			detail = eb.Detail
		}
		return fmt.Errorf("%w: %s %s: %s", errdefs.ErrRunnerRejected, method, url, detail)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", url, err)
		}
	}
	return nil
}

// RunnerClient is the host's handle on one runner.
type RunnerClient struct {
	baseURL string
	http    *http.Client
	noLimit *http.Client
}

// NewRunnerClient builds a client for a runner's advertised base URL.
func NewRunnerClient(baseURL string) *RunnerClient {
	return &RunnerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		noLimit: &http.Client{},
	}
}

// Execute hands a task to the runner for background launch.
func (c *RunnerClient) Execute(ctx context.Context, req *types.ExecuteRequest) error {
	return doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/execute", req, nil)
}

// Kill SIGKILLs the workload.
func (c *RunnerClient) Kill(ctx context.Context, req *types.KillRequest) error {
	return doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/kill", req, nil)
}

// Pause suspends the workload.
func (c *RunnerClient) Pause(ctx context.Context, taskID int64) error {
	return doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/pause", &types.PauseResumeRequest{TaskID: taskID}, nil)
}

// Resume unpauses the workload.
func (c *RunnerClient) Resume(ctx context.Context, taskID int64) error {
	return doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/resume", &types.PauseResumeRequest{TaskID: taskID}, nil)
}

// CreateVPS starts a VPS. Deliberately unbounded: a cold VM image plus a
// GPU driver install can take minutes.
func (c *RunnerClient) CreateVPS(ctx context.Context, req *types.RunnerVPSCreateRequest) error {
	return doJSON(ctx, c.noLimit, http.MethodPost, c.baseURL+"/api/vps/create", req, nil)
}

// StopVPS stops a VPS.
func (c *RunnerClient) StopVPS(ctx context.Context, taskID int64) error {
	return doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/vps/stop/"+strconv.FormatInt(taskID, 10), nil, nil)
}

// RestartVPS soft-reboots a VPS.
func (c *RunnerClient) RestartVPS(ctx context.Context, taskID int64) error {
	return doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/vps/restart/"+strconv.FormatInt(taskID, 10), nil, nil)
}

// HostClient is the runner's handle on the host.
type HostClient struct {
	baseURL string
	http    *http.Client
}

// NewHostClient builds a client for the host base URL.
func NewHostClient(baseURL string) *HostClient {
	return &HostClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Register announces the runner and returns its overlay block.
func (c *HostClient) Register(ctx context.Context, req *types.RegisterRequest) (*types.RegisterResponse, error) {
	var resp types.RegisterResponse
	if err := doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ErrUnknownNode is returned by Heartbeat when the host does not know the
// runner, telling it to re-register.
var ErrUnknownNode = fmt.Errorf("host does not know this node")

// Heartbeat reports liveness and running tasks.
func (c *HostClient) Heartbeat(ctx context.Context, hostname string, req *types.HeartbeatRequest) error {
	url := c.baseURL + "/api/heartbeat/" + hostname
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: heartbeat: %v", errdefs.ErrRunnerUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownNode
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("heartbeat rejected: %s", resp.Status)
	}
	return nil
}

// UpdateStatus reports a task status transition.
func (c *HostClient) UpdateStatus(ctx context.Context, upd *types.StatusUpdate) error {
	return doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/update", upd, nil)
}

// ConsumeReservation redeems an IP reservation token at container create.
func (c *HostClient) ConsumeReservation(ctx context.Context, token, containerID string) (string, error) {
	var resp types.ConsumeIPResponse
	err := doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/overlay/ip/consume",
		&types.ConsumeIPRequest{Token: token, ContainerID: containerID}, &resp)
	if err != nil {
		return "", err
	}
	return resp.IP, nil
}
