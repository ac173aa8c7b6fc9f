package ports

import (
	"context"
	"errors"
	"time"
)

var (
	ErrImageNotFound          = errors.New("machine image not found")
	ErrUnsupportedMachineType = errors.New("unsupported machine type")
)

// Machine is what a substrate hands back after a successful create.
type Machine struct {
	CloudServerID    string
	Hostname         string
	IPAddress        string
	ProvisionID      string
	ProvisionPayload string
}

// ServerSummary is one live server as reported by a substrate's
// inventory listing.
type ServerSummary struct {
	CloudServerID string
	Name          string
	CreatedAt     time.Time
}

// CreateMachineRequest carries everything a substrate needs to boot a
// registered runner.
type CreateMachineRequest struct {
	Arch              string
	Size              string
	RegistrationToken string
	TargetName        string
	CustomImage       bool
	Profile           string
}

// CloudController is implemented once per compute substrate. The core
// treats every call as an opaque, independently failing operation; any
// substrate-internal serialization (e.g. atomic id allocation) is the
// implementation's job.
type CloudController interface {
	// CreateRunner provisions one machine. It fails with
	// ErrImageNotFound or ErrUnsupportedMachineType for configuration
	// problems and with substrate errors otherwise.
	CreateRunner(ctx context.Context, req CreateMachineRequest) (*Machine, error)

	// DeleteRunner destroys the server with the given substrate-native
	// id. Idempotent in intent.
	DeleteRunner(ctx context.Context, cloudServerID string) error

	// ListServers returns every substrate server carrying this
	// system's naming prefix.
	ListServers(ctx context.Context) ([]ServerSummary, error)

	// ServerCount returns the number of such servers.
	ServerCount(ctx context.Context) (int, error)

	// CloudIdentifier is the stable short string stored as Runner.Cloud
	// and used as the ban-list key.
	CloudIdentifier() string
}
