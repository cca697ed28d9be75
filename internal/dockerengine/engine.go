// Package dockerengine wraps the container-engine capability the spec treats
// as opaque (§6): image listing/build/tag/removal and the
// create/start/logs/inspect/remove container lifecycle. It is built on
// github.com/docker/docker, the same client library used across the
// retrieval pack (Aureuma-si's agents/shared/docker, and the docker-driven
// builders under other_examples).
package dockerengine

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// BuildEvent mirrors one line of the Docker build JSON stream: either a log
// chunk (Stream) or a terminal error (Error).
type BuildEvent struct {
	Stream string
	Error  string
}

// DeviceRequest requests GPU (or other) devices be attached to a container.
type DeviceRequest struct {
	DeviceIDs    []string
	Capabilities [][]string
}

// ContainerSpec is the subset of container creation options the execution
// pipeline needs.
type ContainerSpec struct {
	Image          string
	User           string
	Cmd            []string
	Env            []string
	WorkingDir     string
	Binds          []string
	DeviceRequests []DeviceRequest
}

// ContainerState is the subset of `docker inspect` the execution pipeline
// classifies terminations from.
type ContainerState struct {
	ExitCode   int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// Engine is the capability surface both the image builder and the container
// runner depend on. It is satisfied by *Client against a real daemon and by
// a fake in tests (see fake_engine_test.go in the api, compile and execrun
// packages).
type Engine interface {
	ListImageTags(ctx context.Context, repository string) ([]string, error)
	RemoveImage(ctx context.Context, ref string, force bool) error
	BuildImage(ctx context.Context, tarStream io.Reader, dockerfile, tag string) (io.ReadCloser, error)
	TagImage(ctx context.Context, source, targetTag string) error

	CreateContainer(ctx context.Context, name string, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StreamLogs(ctx context.Context, id string) (io.ReadCloser, error)
	InspectContainer(ctx context.Context, id string) (ContainerState, error)
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// Client is the Engine implementation backed by a real Docker daemon.
type Client struct {
	api *client.Client
}

// NewClient connects to the daemon via the standard DOCKER_HOST/TLS
// environment, negotiating the API version, matching Aureuma-si's
// agents/shared/docker.NewClient.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Client{api: cli}, nil
}

func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

func (c *Client) ListImageTags(ctx context.Context, repository string) ([]string, error) {
	args := filters.NewArgs(filters.Arg("reference", repository))
	images, err := c.api.ImageList(ctx, types.ImageListOptions{Filters: args})
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, img := range images {
		tags = append(tags, img.RepoTags...)
	}
	return tags, nil
}

func (c *Client) RemoveImage(ctx context.Context, ref string, force bool) error {
	_, err := c.api.ImageRemove(ctx, ref, types.ImageRemoveOptions{Force: force})
	return err
}

func (c *Client) BuildImage(ctx context.Context, tarStream io.Reader, dockerfile, tag string) (io.ReadCloser, error) {
	resp, err := c.api.ImageBuild(ctx, tarStream, types.ImageBuildOptions{
		Dockerfile:     dockerfile,
		Tags:           []string{tag},
		SuppressOutput: true,
		Remove:         true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) TagImage(ctx context.Context, source, targetTag string) error {
	return c.api.ImageTag(ctx, source, targetTag)
}

func (c *Client) CreateContainer(ctx context.Context, name string, spec ContainerSpec) (string, error) {
	var deviceRequests []container.DeviceRequest
	for _, dr := range spec.DeviceRequests {
		deviceRequests = append(deviceRequests, container.DeviceRequest{
			DeviceIDs:    dr.DeviceIDs,
			Capabilities: dr.Capabilities,
		})
	}
	cfg := &container.Config{
		Image:      spec.Image,
		User:       spec.User,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
	}
	hostCfg := &container.HostConfig{
		Binds: spec.Binds,
	}
	if len(deviceRequests) > 0 {
		hostCfg.Resources.DeviceRequests = deviceRequests
	}
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	return c.api.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *Client) StreamLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	return c.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

func (c *Client) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	info, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, err
	}
	var state ContainerState
	if info.State != nil {
		state.ExitCode = int64(info.State.ExitCode)
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			state.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
			state.FinishedAt = t
		}
	}
	return state, nil
}

func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	return c.api.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
}

var _ Engine = (*Client)(nil)
