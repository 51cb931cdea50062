package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "ctfsentinel/pkg/logx"
)

// fileBackend keeps one JSON document per dataset:
//
//	<dir>/tenant_configs.json
//	<dir>/sent_notifications.json
//	<dir>/participation.json
//	<dir>/event_cache.json
//
// Writes go to a temp file that is renamed over the target, so a crash leaves
// either the old or the new document.
type fileBackend struct {
	dir string
	log logx.Logger

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = "./data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	return &fileBackend{dir: dir, log: log}, nil
}

func (b *fileBackend) Name() string { return "file" }

func (b *fileBackend) path(ds Dataset) string {
	return filepath.Join(b.dir, string(ds)+".json")
}

func (b *fileBackend) Read(ctx context.Context, ds Dataset) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(b.path(ds))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return body, err
}

func (b *fileBackend) Write(ctx context.Context, ds Dataset, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.path(ds)
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

// Quarantine renames the dataset file to <name>.json.corrupt, replacing an older one.
func (b *fileBackend) Quarantine(ctx context.Context, ds Dataset) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.path(ds)
	dst := src + ".corrupt"
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (b *fileBackend) Close() error { return nil }
