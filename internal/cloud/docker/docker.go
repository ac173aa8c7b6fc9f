// Package docker implements ports.CloudController on a Docker daemon,
// running ephemeral runners as containers. Intended for self-hosted
// virtualization hosts and local development.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

const (
	cloudIdentifier = "docker"
	namePrefix      = "fleet-"
	fleetLabel      = "fleet.runner"
	defaultImage    = "ghcr.io/actions/actions-runner:latest"
)

type Controller struct {
	client *dockerclient.Client
	cfg    config.DockerCloudConfig
}

var _ ports.CloudController = (*Controller)(nil)

func New(cfg *config.DockerCloudConfig) (*Controller, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	c := config.DockerCloudConfig{Image: defaultImage}
	if cfg != nil {
		c = *cfg
		if c.Image == "" {
			c.Image = defaultImage
		}
	}

	return &Controller{client: client, cfg: c}, nil
}

func (c *Controller) CloudIdentifier() string {
	return cloudIdentifier
}

func (c *Controller) imageFor(size, arch string) (string, error) {
	if override, ok := c.cfg.Images[size+"/"+arch]; ok {
		return override, nil
	}
	if c.cfg.Image == "" {
		return "", ports.ErrImageNotFound
	}
	return c.cfg.Image, nil
}

func (c *Controller) CreateRunner(ctx context.Context, req ports.CreateMachineRequest) (*ports.Machine, error) {
	log := logger.WithComponent("cloud_docker")

	image, err := c.imageFor(req.Size, req.Arch)
	if err != nil {
		return nil, err
	}

	hostname := namePrefix + uuid.NewString()[:8]
	env := []string{
		fmt.Sprintf("RUNNER_TOKEN=%s", req.RegistrationToken),
		fmt.Sprintf("RUNNER_NAME=%s", hostname),
		fmt.Sprintf("RUNNER_TARGET=%s", req.TargetName),
		fmt.Sprintf("RUNNER_LABELS=%s", strings.Join([]string{req.Size, req.Arch, req.Profile}, ",")),
		"RUNNER_EPHEMERAL=1",
	}

	resp, err := c.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:    image,
			Hostname: hostname,
			Env:      env,
			Labels: map[string]string{
				fleetLabel:     "true",
				"fleet.size":   req.Size,
				"fleet.target": req.TargetName,
			},
		},
		nil, // host config
		nil, // networking config
		nil, // platform
		hostname,
	)
	if err != nil {
		return nil, fmt.Errorf("container create %s: %w", hostname, err)
	}

	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = c.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start %s: %w", hostname, err)
	}

	inspect, err := c.client.ContainerInspect(ctx, resp.ID)
	address := ""
	if err == nil && inspect.NetworkSettings != nil {
		address = inspect.NetworkSettings.IPAddress
	}

	log.Info().
		Str("hostname", hostname).
		Str("container_id", resp.ID).
		Msg("Runner container started")

	return &ports.Machine{
		CloudServerID: resp.ID,
		Hostname:      hostname,
		IPAddress:     address,
	}, nil
}

func (c *Controller) DeleteRunner(ctx context.Context, cloudServerID string) error {
	err := c.client.ContainerRemove(ctx, cloudServerID, container.RemoveOptions{Force: true})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container remove %s: %w", cloudServerID, err)
	}
	return nil
}

func (c *Controller) ListServers(ctx context.Context) ([]ports.ServerSummary, error) {
	containers, err := c.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", fleetLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	summaries := make([]ports.ServerSummary, 0, len(containers))
	for _, ct := range containers {
		name := ""
		if len(ct.Names) > 0 {
			name = strings.TrimPrefix(ct.Names[0], "/")
		}
		summaries = append(summaries, ports.ServerSummary{
			CloudServerID: ct.ID,
			Name:          name,
			CreatedAt:     time.Unix(ct.Created, 0),
		})
	}
	return summaries, nil
}

func (c *Controller) ServerCount(ctx context.Context) (int, error) {
	servers, err := c.ListServers(ctx)
	if err != nil {
		return 0, err
	}
	return len(servers), nil
}
