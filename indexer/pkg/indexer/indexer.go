// Package indexer loads datasets and publishes them as snapshots.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"

	"github.com/churnguard/lake/indexer/pkg/dataset"
	"github.com/churnguard/lake/indexer/pkg/metrics"
)

var (
	ErrInvalidRef      = errors.New("invalid dataset reference")
	ErrSourceDisabled  = errors.New("object storage source is not configured")
	ErrUploadTooLarge  = errors.New("dataset upload exceeds size limit")
	refPattern         = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
	defaultMaxUploadSz = int64(64 << 20)
)

// Store is a durable SQL store that holds one table per snapshot.
type Store interface {
	Publish(ctx context.Context, snap *dataset.Snapshot) error
	Drop(ctx context.Context, snap *dataset.Snapshot) error
}

// Source loads a snapshot from a URI such as s3://bucket/key.csv.
type Source interface {
	Load(ctx context.Context, uri string) (*dataset.Snapshot, error)
}

type Config struct {
	Logger   *slog.Logger
	Registry *dataset.Registry

	// Store is nil when snapshots are only held in memory.
	Store Store

	// Objects is nil when object storage sources are disabled.
	Objects Source

	MaxUploadBytes int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadSz
	}
	return nil
}

// Indexer turns uploads into published snapshots. Publication for a
// reference is serialized so a superseded snapshot is dropped from the
// store exactly once.
type Indexer struct {
	log *slog.Logger
	cfg Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(cfg Config) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Indexer{
		log:   cfg.Logger,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// ValidRef reports whether ref can name a dataset.
func ValidRef(ref string) bool {
	return refPattern.MatchString(ref)
}

// IngestCSV reads a CSV document and publishes it as the current snapshot
// of ref.
func (x *Indexer) IngestCSV(ctx context.Context, ref string, r io.Reader) (*dataset.Snapshot, error) {
	if !ValidRef(ref) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	lr := &io.LimitedReader{R: r, N: x.cfg.MaxUploadBytes + 1}
	snap, err := dataset.LoadCSV(lr, ref)
	if lr.N <= 0 {
		err = fmt.Errorf("%w: more than %d bytes", ErrUploadTooLarge, x.cfg.MaxUploadBytes)
	}
	rows := 0
	if snap != nil {
		rows = snap.Len()
	}
	metrics.RecordDatasetLoad("csv", rows, err)
	if err != nil {
		return nil, err
	}
	return snap, x.publish(ctx, ref, snap)
}

// IngestURI loads uri from object storage and publishes it as the current
// snapshot of ref.
func (x *Indexer) IngestURI(ctx context.Context, ref, uri string) (*dataset.Snapshot, error) {
	if !ValidRef(ref) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if x.cfg.Objects == nil {
		return nil, ErrSourceDisabled
	}
	snap, err := x.cfg.Objects.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	return snap, x.publish(ctx, ref, snap)
}

func (x *Indexer) refLock(ref string) *sync.Mutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	l, ok := x.locks[ref]
	if !ok {
		l = &sync.Mutex{}
		x.locks[ref] = l
	}
	return l
}

func (x *Indexer) publish(ctx context.Context, ref string, snap *dataset.Snapshot) error {
	l := x.refLock(ref)
	l.Lock()
	defer l.Unlock()

	var prev *dataset.Snapshot
	if cur, release, err := x.cfg.Registry.Acquire(ref); err == nil {
		prev = cur
		release()
	}

	if x.cfg.Store != nil {
		if err := x.cfg.Store.Publish(ctx, snap); err != nil {
			return fmt.Errorf("failed to publish snapshot to store: %w", err)
		}
	}
	if err := x.cfg.Registry.Publish(ref, snap); err != nil {
		if x.cfg.Store != nil {
			x.drop(ctx, snap)
		}
		return err
	}
	x.log.Info("indexer: published snapshot",
		"ref", ref, "snapshot_id", snap.ID(), "rows", snap.Len(), "columns", snap.Catalog().Len())

	// Registry.Publish returns only after readers of prev have released it.
	if prev != nil && x.cfg.Store != nil {
		x.drop(ctx, prev)
	}
	return nil
}

func (x *Indexer) drop(ctx context.Context, snap *dataset.Snapshot) {
	if err := x.cfg.Store.Drop(context.WithoutCancel(ctx), snap); err != nil {
		x.log.Warn("indexer: failed to drop snapshot table", "snapshot_id", snap.ID(), "error", err)
	}
}

// Registry returns the registry snapshots are published to.
func (x *Indexer) Registry() *dataset.Registry {
	return x.cfg.Registry
}
