// Package gce implements ports.CloudController on Google Compute
// Engine instances.
package gce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	compute "google.golang.org/api/compute/v1"

	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

const (
	cloudIdentifier = "gce"
	namePrefix      = "fleet-"
	typeLabelValue  = "fleet-runner"
)

// must be lowercase because of gcp api requirements
var typeLabelFilter = fmt.Sprintf("labels.type=%s", typeLabelValue)

const defaultImageFamily = "projects/ubuntu-os-cloud/global/images/family/ubuntu-2204-lts"

type Controller struct {
	client *compute.Service
	cfg    config.GCECloudConfig

	// GCE instance names must be allocated one at a time; concurrent
	// inserts under the same name race at the API.
	createMu sync.Mutex
}

var _ ports.CloudController = (*Controller)(nil)

func New(ctx context.Context, cfg *config.GCECloudConfig) (*Controller, error) {
	if cfg == nil || cfg.Project == "" || cfg.Zone == "" {
		return nil, fmt.Errorf("gce cloud requires project and zone")
	}

	client, err := compute.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("create compute client: %w", err)
	}

	c := *cfg
	if c.ImageFamily == "" {
		c.ImageFamily = defaultImageFamily
	}

	return &Controller{client: client, cfg: c}, nil
}

func (c *Controller) CloudIdentifier() string {
	return cloudIdentifier
}

func (c *Controller) machineTypeFor(size, arch string) (string, error) {
	mt, ok := c.cfg.MachineTypes[size+"/"+arch]
	if !ok {
		return "", ports.ErrUnsupportedMachineType
	}
	return fmt.Sprintf("zones/%s/machineTypes/%s", c.cfg.Zone, mt), nil
}

func (c *Controller) CreateRunner(ctx context.Context, req ports.CreateMachineRequest) (*ports.Machine, error) {
	log := logger.WithComponent("cloud_gce")

	machineType, err := c.machineTypeFor(req.Size, req.Arch)
	if err != nil {
		return nil, err
	}

	sourceImage := c.cfg.ImageFamily
	if req.CustomImage {
		image, err := c.latestCustomImage(ctx)
		if err != nil {
			return nil, err
		}
		if image == nil {
			return nil, ports.ErrImageNotFound
		}
		sourceImage = image.SelfLink
	}

	hostname := namePrefix + uuid.NewString()[:8]
	userData := fmt.Sprintf("#cloud-config\n# registration token for %s\nrunner_token: %s\nrunner_name: %s\n",
		req.TargetName, req.RegistrationToken, hostname)

	instance := &compute.Instance{
		Name:        hostname,
		MachineType: machineType,
		Labels: map[string]string{
			"type": typeLabelValue,
			"size": req.Size,
		},
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: sourceImage,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				Network: "global/networks/default",
				AccessConfigs: []*compute.AccessConfig{
					{
						Name:        "External NAT",
						Type:        "ONE_TO_ONE_NAT",
						NetworkTier: "STANDARD",
					},
				},
			},
		},
		Metadata: &compute.Metadata{
			Items: []*compute.MetadataItems{
				{
					Key:   "user-data",
					Value: &userData,
				},
			},
		},
	}

	c.createMu.Lock()
	op, err := c.client.Instances.Insert(c.cfg.Project, c.cfg.Zone, instance).Context(ctx).Do()
	c.createMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("insert instance %s: %w", hostname, err)
	}

	log.Info().
		Str("hostname", hostname).
		Str("operation", op.Name).
		Msg("Runner instance requested")

	return &ports.Machine{
		CloudServerID: hostname,
		Hostname:      hostname,
		ProvisionID:   op.Name,
	}, nil
}

func (c *Controller) latestCustomImage(ctx context.Context) (*compute.Image, error) {
	resp, err := c.client.Images.List(c.cfg.Project).Filter(typeLabelFilter).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	if len(resp.Items) == 0 {
		return nil, nil
	}
	return lo.MaxBy(resp.Items, func(a, b *compute.Image) bool {
		return a.CreationTimestamp > b.CreationTimestamp
	}), nil
}

func (c *Controller) DeleteRunner(ctx context.Context, cloudServerID string) error {
	_, err := c.client.Instances.Delete(c.cfg.Project, c.cfg.Zone, cloudServerID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", cloudServerID, err)
	}
	return nil
}

func (c *Controller) ListServers(ctx context.Context) ([]ports.ServerSummary, error) {
	resp, err := c.client.Instances.List(c.cfg.Project, c.cfg.Zone).
		Filter(typeLabelFilter).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	summaries := make([]ports.ServerSummary, 0, len(resp.Items))
	for _, inst := range resp.Items {
		created, _ := time.Parse(time.RFC3339, inst.CreationTimestamp)
		summaries = append(summaries, ports.ServerSummary{
			CloudServerID: inst.Name,
			Name:          inst.Name,
			CreatedAt:     created,
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
