package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/kiranshivaraju/reconhub/internal/config"
)

// Docker runs engines as containers on a Docker daemon.
type Docker struct {
	client      *client.Client
	network     string
	pullMissing bool
	logger      *slog.Logger
}

// NewDocker connects to the daemon described by the DOCKER_* environment.
func NewDocker(cfg config.RuntimeConfig, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{
		client:      cli,
		network:     cfg.DockerNetwork,
		pullMissing: cfg.PullMissingImages,
		logger:      logger,
	}, nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Ready(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) Run(ctx context.Context, spec Spec) (Process, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    envList(spec.Env),
		Labels: spec.Labels,
	}

	host := &container.HostConfig{}
	for _, m := range spec.Mounts {
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if spec.GPU {
		host.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	if d.network != "" {
		host.NetworkMode = container.NetworkMode(d.network)
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil && client.IsErrNotFound(err) && d.pullMissing {
		if pullErr := d.pull(ctx, spec.Image); pullErr != nil {
			return nil, pullErr
		}
		resp, err = d.client.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	}
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		if isConflict(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, spec.Name)
		}
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	d.logger.Info("container started", "container_id", resp.ID, "name", spec.Name, "image", spec.Image, "gpu", spec.GPU)
	return &dockerProcess{client: d.client, id: resp.ID}, nil
}

func (d *Docker) pull(ctx context.Context, ref string) error {
	d.logger.Info("pulling engine image", "image", ref)
	rc, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrImageNotFound, ref)
		}
		return fmt.Errorf("pull image: %w", err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

type dockerProcess struct {
	client *client.Client
	id     string
}

func (p *dockerProcess) ID() string { return p.id }

func (p *dockerProcess) Logs(ctx context.Context) (io.ReadCloser, error) {
	rc, err := p.client.ContainerLogs(ctx, p.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := p.client.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("wait container: %w", err)
	case st := <-statusCh:
		if st.Error != nil {
			return -1, fmt.Errorf("wait container: %s", st.Error.Message)
		}
		return int(st.StatusCode), nil
	}
}

func (p *dockerProcess) Stop(ctx context.Context, grace time.Duration) error {
	secs := int(grace.Seconds())
	err := p.client.ContainerStop(ctx, p.id, container.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (p *dockerProcess) Remove(ctx context.Context) error {
	err := p.client.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// isConflict reports a name clash with an existing container.
func isConflict(err error) bool {
	var conflict interface{ Conflict() }
	return errors.As(err, &conflict)
}
