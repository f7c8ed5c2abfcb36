// Package linkdb is the controller's resource store: network topology,
// interface assignment, spectrum-slot occupancy and persisted connection
// records, all backed by the tenant's link database (a Redis keyspace shared
// with the slice manager). The store is the source of truth; in-memory state
// elsewhere in the controller is rebuilt from it on restart.
package linkdb

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a pop, link, interface or connection
	// record does not exist in the store.
	ErrNotFound = errors.New("linkdb: not found")
)

type PopNode struct {
	ID       string
	Name     string
	Location string
	Routers  []string
}

type NetworkLink struct {
	ID             string
	PopA           string
	PopB           string
	DistanceKM     float64
	TotalSlots     int
	ChannelSpacing float64
}

type InterfaceStatus string

const (
	InterfaceAvailable InterfaceStatus = "AVAILABLE"
	InterfaceOccupied  InterfaceStatus = "OCCUPIED"
)

type Interface struct {
	Pop         string
	Router      string
	Name        string
	Status      InterfaceStatus
	Connection  string
	AllocatedAt time.Time
}

// ConnectionRecord is the persisted form of a connection. Path segments are
// stored as the ordered link ids; slot occupancy lives on the links
// themselves, keyed by connection id.
type ConnectionRecord struct {
	Status               string
	SourcePop            string
	DestinationPop       string
	SourceInterface      string
	DestinationInterface string
	BandwidthGbps        float64
	Modulation           string
	EstimatedOSNR        float64
	PathLinks            []string
	Details              map[string]string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Store is the narrow persistence interface the control core requires.
// Write operations fail loudly when the store is unavailable; callers own
// compensation for partially applied multi-step sequences.
type Store interface {
	LoadTopology(ctx context.Context) (map[string]PopNode, map[string]NetworkLink, error)

	AvailableInterfaces(ctx context.Context, pop, router string) ([]string, error)
	// AllocateInterface is an atomic compare-and-set from AVAILABLE to
	// OCCUPIED. It returns false when the interface does not exist or is
	// already held.
	AllocateInterface(ctx context.Context, pop, router, name, connID string) (bool, error)
	ReleaseInterface(ctx context.Context, pop, router, name string) (bool, error)

	// AllocateSpectrumSlots atomically moves the given slots from the link's
	// free set to the connection's occupancy entry. Any slot already taken
	// fails the whole operation with no partial allocation.
	AllocateSpectrumSlots(ctx context.Context, linkID, connID string, slots []int) (bool, error)
	// ReleaseSpectrumSlots returns the slots held by connID to the free set.
	// Idempotent: releasing a connection that holds nothing succeeds.
	ReleaseSpectrumSlots(ctx context.Context, linkID, connID string) (bool, error)
	AvailableSlots(ctx context.Context, linkID string) ([]int, error)
	OccupiedSlots(ctx context.Context, linkID string) (map[string][]int, error)

	CreateConnectionRecord(ctx context.Context, connID string, rec ConnectionRecord) error
	UpdateConnectionStatus(ctx context.Context, connID, status string, details map[string]string) error
	DeleteConnectionRecord(ctx context.Context, connID string) error
	GetConnectionRecord(ctx context.Context, connID string) (*ConnectionRecord, error)
	ListConnectionIDs(ctx context.Context) ([]string, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
