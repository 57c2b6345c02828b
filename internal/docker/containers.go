package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// pullProgressLine is the subset of a Docker image-pull progress message
// this adapter inspects to detect a failed layer/auth/manifest fetch.
type pullProgressLine struct {
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Status string `json:"status"`
}

// Pull streams image pull progress and raises on the first line that
// reports an error, per §4.1 ("any line containing 'error' raises").
func (c *Client) Pull(ctx context.Context, image string, auth string) error {
	resp, err := c.api.ImagePull(ctx, image, client.ImagePullOptions{RegistryAuth: auth})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer resp.Reader.Close()

	scanner := bufio.NewScanner(resp.Reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var prog pullProgressLine
		if err := json.Unmarshal(scanner.Bytes(), &prog); err != nil {
			continue
		}
		if prog.Error != "" {
			return fmt.Errorf("pull image %s: %s", image, prog.Error)
		}
		if prog.ErrorDetail.Message != "" {
			return fmt.Errorf("pull image %s: %s", image, prog.ErrorDetail.Message)
		}
		if strings.Contains(strings.ToLower(prog.Status), "error") {
			return fmt.Errorf("pull image %s: %s", image, prog.Status)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", image, err)
	}
	return nil
}

// Create creates a container with the given resource limits. memLimit and
// memswapLimit are in bytes; securityOpt configures sandboxing
// (application_container_description.sandbox, §4.1).
func (c *Client) Create(ctx context.Context, name, image string, command []string, memLimit, memswapLimit int64, securityOpt []string) (string, error) {
	cfg := &container.Config{
		Image: image,
		Cmd:   command,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:     memLimit,
			MemorySwap: memswapLimit,
		},
		SecurityOpt: securityOpt,
	}
	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:       name,
		Config:     cfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	return resp.ID, nil
}

// Start starts a previously created container.
func (c *Client) Start(ctx context.Context, name string) error {
	_, err := c.api.ContainerStart(ctx, name, client.ContainerStartOptions{})
	if err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	return nil
}

// Wait blocks until the named container exits and returns its exit code.
func (c *Client) Wait(ctx context.Context, name string) (int, error) {
	resp, err := c.api.ContainerWait(ctx, name, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	if err != nil {
		return -1, fmt.Errorf("wait container %s: %w", name, err)
	}
	//nolint:gosec // container exit codes fit comfortably in an int
	return int(resp.StatusCode), nil
}

// Logs returns the combined stdout/stderr of a container.
func (c *Client) Logs(ctx context.Context, name string) (string, error) {
	reader, err := c.api.ContainerLogs(ctx, name, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "200",
	})
	if err != nil {
		return "", fmt.Errorf("logs for %s: %w", name, err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("demux logs for %s: %w", name, err)
	}
	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	return stdout.String(), nil
}

// Remove is idempotent: it force-removes the named container, swallowing
// "not found" errors so repeated calls (e.g. the Janitor re-reconciling a
// container a previous tick already removed) are no-ops.
func (c *Client) Remove(ctx context.Context, name string) error {
	_, err := c.api.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// Inspect returns the container's IP address.
func (c *Client) Inspect(ctx context.Context, name string) (string, error) {
	resp, err := c.api.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", name, err)
	}
	if resp.Container.NetworkSettings == nil {
		return "", fmt.Errorf("inspect container %s: no network settings", name)
	}
	if resp.Container.NetworkSettings.IPAddress != "" {
		return resp.Container.NetworkSettings.IPAddress, nil
	}
	for _, ep := range resp.Container.NetworkSettings.Networks {
		if ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", fmt.Errorf("inspect container %s: no IP address assigned", name)
}

// ConnectToNetwork attaches a running container to the named overlay
// network so an application container can reach its data container's
// HTTP server.
func (c *Client) ConnectToNetwork(ctx context.Context, name, netName string) error {
	_, err := c.api.NetworkConnect(ctx, client.NetworkConnectOptions{
		Network:   netName,
		Container: name,
		EndpointConfig: &network.EndpointSettings{
			NetworkID: netName,
		},
	})
	if err != nil {
		return fmt.Errorf("connect %s to network %s: %w", name, netName, err)
	}
	return nil
}

// ListContainers returns every container the engine knows about, keyed by
// name, for the Janitor's reconciliation sweep (§4.10).
func (c *Client) ListContainers(ctx context.Context) (map[string]ContainerStatus, error) {
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make(map[string]ContainerStatus, len(result.Items))
	for _, item := range result.Items {
		name := strings.TrimPrefix(firstName(item.Names), "/")
		if name == "" {
			continue
		}
		status := ContainerStatus{Description: item.Image}
		if code, ok := parseExitCode(item.State, item.Status); ok {
			status.ExitCode = &code
		}
		out[name] = status
	}
	return out, nil
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// parseExitCode extracts the numeric exit code out of a container's
// reported status string (e.g. "Exited (1) 3 minutes ago") when its state
// is "exited"/"dead"; ok is false for still-running containers.
func parseExitCode(state, status string) (int, bool) {
	if state != "exited" && state != "dead" {
		return 0, false
	}
	start := strings.Index(status, "(")
	end := strings.Index(status, ")")
	if start < 0 || end <= start {
		return 0, false
	}
	code, err := strconv.Atoi(status[start+1 : end])
	if err != nil {
		return 0, false
	}
	return code, true
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container")
}
