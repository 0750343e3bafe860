// Package uplink hands pending packets to a backend once connectivity
// returns and applies delivery acknowledgements back to the store.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sosmesh/relay-node/internal/model"
	"sosmesh/relay-node/internal/packet"
)

const (
	DefaultBatchSize   = 50
	DefaultItemTimeout = 10 * time.Second
)

var (
	// ErrOffline means no backend is reachable; every record stays pending.
	ErrOffline = errors.New("uplink offline")
	// ErrBusy is returned when another batch is already running.
	ErrBusy = errors.New("upload batch already running")
)

// Uploader sends one raw packet to the backend.
type Uploader interface {
	Send(ctx context.Context, raw []byte) error
}

// Store is the part of the mesh store the coordinator needs.
type Store interface {
	PendingForUpload(ctx context.Context, limit int) ([]model.StoredRecord, error)
	MarkSynced(ctx context.Context, keys []packet.Key) (int, error)
}

// BatchResult lists the outcome of one upload batch.
type BatchResult struct {
	Uploaded []packet.Key `json:"uploaded"`
	Failed   []packet.Key `json:"failed"`
}

// Coordinator runs upload batches against an Uploader.
type Coordinator struct {
	store       Store
	uploader    Uploader
	logger      *slog.Logger
	batchSize   int
	itemTimeout time.Duration
	running     sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBatchSize bounds how many pending records one batch reads.
func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithItemTimeout bounds each Send call.
func WithItemTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.itemTimeout = d
		}
	}
}

// NewCoordinator wires a store to an uploader.
func NewCoordinator(store Store, uploader Uploader, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:       store,
		uploader:    uploader,
		logger:      logger,
		batchSize:   DefaultBatchSize,
		itemTimeout: DefaultItemTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadBatch sends pending records one by one and marks the successful ones
// synced. Upload failures only leave records pending for the next batch; the
// returned error reports storage failures and ErrBusy.
func (c *Coordinator) UploadBatch(ctx context.Context) (BatchResult, error) {
	if !c.running.TryLock() {
		return BatchResult{}, ErrBusy
	}
	defer c.running.Unlock()

	recs, err := c.store.PendingForUpload(ctx, c.batchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("load pending: %w", err)
	}

	var res BatchResult
	for i, rec := range recs {
		key := rec.Packet.Key()
		if ctx.Err() != nil {
			res.Failed = append(res.Failed, keysOf(recs[i:])...)
			break
		}

		err := c.send(ctx, rec.Raw)
		if err == nil {
			res.Uploaded = append(res.Uploaded, key)
			continue
		}

		res.Failed = append(res.Failed, key)
		if errors.Is(err, ErrOffline) {
			res.Failed = append(res.Failed, keysOf(recs[i+1:])...)
			c.logger.Debug("uplink offline, deferring batch", "pending", len(recs))
			break
		}
		c.logger.Warn("upload failed", "key", key.String(), "error", err)
	}

	if len(res.Uploaded) == 0 {
		return res, nil
	}

	if _, err := c.store.MarkSynced(ctx, res.Uploaded); err != nil {
		res.Failed = append(res.Failed, res.Uploaded...)
		res.Uploaded = nil
		return res, fmt.Errorf("mark synced: %w", err)
	}
	return res, nil
}

// Acknowledge applies delivery confirmations received out of band.
func (c *Coordinator) Acknowledge(ctx context.Context, keys []packet.Key) (int, error) {
	n, err := c.store.MarkSynced(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("acknowledge: %w", err)
	}
	return n, nil
}

func (c *Coordinator) send(ctx context.Context, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.itemTimeout)
	defer cancel()
	return c.uploader.Send(ctx, raw)
}

func keysOf(recs []model.StoredRecord) []packet.Key {
	keys := make([]packet.Key, 0, len(recs))
	for _, r := range recs {
		keys = append(keys, r.Packet.Key())
	}
	return keys
}

// NopUploader is used when no backend is configured.
type NopUploader struct{}

// Send always reports ErrOffline.
func (NopUploader) Send(context.Context, []byte) error {
	return ErrOffline
}
