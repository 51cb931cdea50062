package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Backend.Read when a dataset was never written.
var ErrNotFound = errors.New("dataset not found")

// Dataset names one persisted document.
type Dataset string

const (
	DatasetTenants       Dataset = "tenant_configs"
	DatasetNotifications Dataset = "sent_notifications"
	DatasetParticipation Dataset = "participation"
	DatasetCache         Dataset = "event_cache"
)

// Datasets lists every dataset in save order.
var Datasets = []Dataset{DatasetTenants, DatasetNotifications, DatasetParticipation, DatasetCache}

// Config configures storage.
//
// Driver values:
//   - "file" (default): Path is a directory
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a pgx connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Backend stores opaque dataset documents.
type Backend interface {
	Name() string
	Read(ctx context.Context, ds Dataset) ([]byte, error)
	Write(ctx context.Context, ds Dataset, body []byte) error
	Close() error
}

// Quarantiner is implemented by backends that can set a corrupt document aside
// before it gets overwritten.
type Quarantiner interface {
	Quarantine(ctx context.Context, ds Dataset) (string, error)
}
