package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"github.com/krinkuto11/aceorchestrator/internal/apperr"
)

// DockerAdapter backs Adapter onto the real Docker engine: the same
// client calls and options a Docker-driven terminal UI would use
// (ContainerList/Start/Stop/Remove, context timeouts, StopOptions
// with an explicit grace period).
type DockerAdapter struct {
	cli *client.Client
}

// NewDockerAdapter connects to the Docker daemon with the backoff policy
// from §4.2: initial 2s, factor 1.5, cap 10s, 10 attempts.
func NewDockerAdapter(ctx context.Context) (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeUnavailable, "failed to construct docker client", err)
	}
	a := &DockerAdapter{cli: cli}

	delay := 2 * time.Second
	const maxDelay = 10 * time.Second
	const factor = 1.5
	const attempts = 10
	var lastErr error
	for i := 0; i < attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.Ping(pingCtx)
		cancel()
		if err == nil {
			return a, nil
		}
		lastErr = err
		logrus.WithError(err).Warnf("docker connection attempt %d/%d failed, retrying in %s", i+1, attempts, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.RuntimeUnavailable, "context cancelled while connecting to docker", ctx.Err())
		}
		delay = time.Duration(float64(delay) * factor)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, apperr.Wrap(apperr.RuntimeUnavailable, fmt.Sprintf("failed to connect to docker after %d attempts", attempts), lastErr)
}

func (a *DockerAdapter) Ping(ctx context.Context) error {
	_, err := a.cli.Ping(ctx)
	if err != nil {
		return apperr.Wrap(apperr.RuntimeUnavailable, "docker ping failed", err)
	}
	return nil
}

func (a *DockerAdapter) CreateAndStart(ctx context.Context, spec Spec) (Created, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for portProto, hostPort := range spec.PortBindings {
		p, err := nat.NewPort("tcp", strings.TrimSuffix(portProto, "/tcp"))
		if err != nil {
			return Created{}, apperr.Wrap(apperr.StartupFailed, "invalid port spec "+portProto, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}
	}

	restartName := container.RestartPolicyMode(spec.RestartPolicy)
	if restartName == "" {
		restartName = container.RestartPolicyUnlessStopped
	}

	ccfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hcfg := &container.HostConfig{
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: restartName},
	}
	if spec.Network != "" {
		hcfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := a.cli.ContainerCreate(ctx, ccfg, hcfg, nil, nil, spec.Name)
	if err != nil {
		return Created{}, mapCreateError(spec.Image, err)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Created{}, apperr.Wrap(apperr.StartupFailed, "failed to start container "+resp.ID, err)
	}

	view, err := a.Inspect(ctx, resp.ID)
	if err != nil {
		return Created{ID: resp.ID, Name: spec.Name, Status: StatusCreated}, nil
	}
	return Created{ID: view.ID, Name: view.Name, Status: view.Status}, nil
}

func mapCreateError(image string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "pull access denied"):
		return apperr.Wrap(apperr.ImageUnavailable, "image unavailable: "+image, err)
	case strings.Contains(msg, "network"):
		return apperr.Wrap(apperr.NetworkError, "network error starting container with image "+image, err)
	default:
		return apperr.Wrap(apperr.StartupFailed, "failed to start container with image "+image, err)
	}
}

func (a *DockerAdapter) Inspect(ctx context.Context, id string) (ContainerView, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerView{}, apperr.Wrap(apperr.NotFound, "container not found: "+id, err)
		}
		return ContainerView{}, apperr.Wrap(apperr.StartupFailed, "inspect failed", err)
	}

	ports := map[string]int{}
	if info.NetworkSettings != nil {
		for portProto, bindings := range info.NetworkSettings.Ports {
			if len(bindings) == 0 {
				continue
			}
			hp, err := strconv.Atoi(bindings[0].HostPort)
			if err == nil {
				ports[string(portProto)] = hp
			}
		}
	}

	var labels map[string]string
	var image string
	if info.Config != nil {
		labels = info.Config.Labels
		image = info.Config.Image
	}
	status := Status("")
	if info.State != nil {
		status = Status(info.State.Status)
	}

	return ContainerView{
		ID:      info.ID,
		Name:    strings.TrimPrefix(info.Name, "/"),
		Image:   image,
		Created: info.Created,
		Status:  status,
		Labels:  labels,
		Ports:   ports,
	}, nil
}

func (a *DockerAdapter) ListByLabel(ctx context.Context, key, value string) ([]ContainerView, error) {
	f := filters.NewArgs(filters.Arg("label", key+"="+value))
	return a.list(ctx, container.ListOptions{All: true, Filters: f})
}

// ListAll returns every container regardless of label or state, for the
// naming service's de-duplication sweep (§4.4).
func (a *DockerAdapter) ListAll(ctx context.Context) ([]ContainerView, error) {
	return a.list(ctx, container.ListOptions{All: true})
}

func (a *DockerAdapter) list(ctx context.Context, opts container.ListOptions) ([]ContainerView, error) {
	list, err := a.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeUnavailable, "container list failed", err)
	}
	views := make([]ContainerView, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		ports := map[string]int{}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				ports[fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)] = int(p.PublicPort)
			}
		}
		views = append(views, ContainerView{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			Created: time.Unix(c.Created, 0).UTC().Format(time.RFC3339),
			Status:  Status(c.State),
			Labels:  c.Labels,
			Ports:   ports,
		})
	}
	return views, nil
}

func (a *DockerAdapter) Stop(ctx context.Context, id string, timeoutSeconds int) error {
	t := timeoutSeconds
	if err := a.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &t}); err != nil {
		if client.IsErrNotFound(err) {
			return apperr.Wrap(apperr.NotFound, "container not found: "+id, err)
		}
		return apperr.Wrap(apperr.StartupFailed, "stop failed", err)
	}
	return nil
}

func (a *DockerAdapter) Remove(ctx context.Context, id string, force bool) error {
	if err := a.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		if client.IsErrNotFound(err) {
			return apperr.Wrap(apperr.NotFound, "container not found: "+id, err)
		}
		return apperr.Wrap(apperr.StartupFailed, "remove failed", err)
	}
	return nil
}
