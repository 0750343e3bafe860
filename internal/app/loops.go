package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"sosmesh/relay-node/internal/eventbus"
	"sosmesh/relay-node/internal/model"
	"sosmesh/relay-node/internal/packet"
	"sosmesh/relay-node/internal/radio"
	"sosmesh/relay-node/internal/relay"
	"sosmesh/relay-node/internal/uplink"
)

const (
	storeTimeout       = 2 * time.Second
	maxErrorPayloadLen = 4096
)

// ErrInvalidLocation is returned by Originate for coordinates outside WGS-84 bounds.
var ErrInvalidLocation = errors.New("invalid location")

func (a *App) startLoops(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(4)
	go func() {
		defer wg.Done()
		a.runRadio(ctx)
	}()
	go func() {
		defer wg.Done()
		a.every(ctx, a.cfg.RelayInterval, func(ctx context.Context) { _, _ = a.relayOnce(ctx) })
	}()
	go func() {
		defer wg.Done()
		a.every(ctx, a.cfg.SyncInterval, func(ctx context.Context) { _, _ = a.syncOnce(ctx) })
	}()
	go func() {
		defer wg.Done()
		a.every(ctx, a.cfg.CleanupInterval, func(ctx context.Context) { _, _ = a.cleanupOnce(ctx) })
	}()
}

func (a *App) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (a *App) runRadio(ctx context.Context) {
	events := a.bridge.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			a.handleRadioEvent(ctx, ev)
		}
	}
}

func (a *App) handleRadioEvent(ctx context.Context, ev radio.Event) {
	switch e := ev.(type) {
	case radio.PacketReceived:
		a.metrics.RadioEvents.WithLabelValues("packet").Inc()
		if e.PeerID != "" && e.RSSI != 0 {
			a.tracker.Observe(e.PeerID, e.RSSI, e.Heading)
			a.metrics.TrackedPeers.Set(float64(a.tracker.Len()))
		}
		if _, err := a.ingest(ctx, e.Payload, 1, e.RSSI, e.PeerID); err != nil {
			a.logger.Error("failed to ingest radio frame", "peer", e.PeerID, "error", err)
		}
	case radio.StateChanged:
		a.metrics.RadioEvents.WithLabelValues("state").Inc()
		a.events.Publish(eventbus.TypeRadioState, e)
		a.logger.Info("radio state changed", "state", e.State)
	}
}

// ingest stores one frame and reports the outcome to metrics, the event bus and
// the ingestion error log.
func (a *App) ingest(ctx context.Context, raw []byte, hops uint8, rssi int, peerID string) (model.IngestResult, error) {
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	res, err := a.store.Ingest(storeCtx, raw, hops, rssi)
	if err != nil {
		a.metrics.IngestTotal.WithLabelValues("error").Inc()
		a.recordIngestionError(ctx, peerID, raw, err)
		return res, err
	}
	a.metrics.IngestTotal.WithLabelValues(string(res.Outcome)).Inc()

	switch res.Outcome {
	case model.OutcomeRejected:
		a.logger.Debug("frame rejected", "peer", peerID, "reason", res.Reason, "len", len(raw))
		a.recordIngestionError(ctx, peerID, raw, fmt.Errorf("rejected: %s", res.Reason))
	case model.OutcomeDuplicate:
		a.logger.Debug("duplicate frame", "key", res.Key.String(), "peer", peerID)
	default:
		a.logger.Info("ingested packet", "key", res.Key.String(), "outcome", res.Outcome, "status", res.Packet.Status, "peer", peerID, "rssi", rssi)
		a.events.Publish(eventbus.TypeIngest, res)
	}
	return res, nil
}

// Originate creates a packet from this node, stores it with hop count 0 and
// offers it to the radio right away. The relay loop keeps rebroadcasting it.
func (a *App) Originate(ctx context.Context, status packet.Status, lat, lon float64, target uint32) (model.IngestResult, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return model.IngestResult{}, fmt.Errorf("%w: %.7f,%.7f", ErrInvalidLocation, lat, lon)
	}

	seq, err := a.store.NextSequence(ctx)
	if err != nil {
		return model.IngestResult{}, err
	}

	p := packet.Packet{
		OriginatorID: a.nodeID,
		Sequence:     seq,
		Latitude:     lat,
		Longitude:    lon,
		Status:       status,
		Timestamp:    uint32(a.clock.Now().Unix()),
		TargetID:     target,
	}
	raw := packet.Encode(p)

	res, err := a.store.Ingest(ctx, raw, 0, 0)
	if err != nil {
		return model.IngestResult{}, err
	}
	a.metrics.IngestTotal.WithLabelValues("originated").Inc()
	if !res.Stored() {
		return res, fmt.Errorf("originated packet %s was not stored: %s", res.Key, res.Outcome)
	}

	a.logger.Info("originated packet", "key", res.Key.String(), "status", status, "target", target)
	a.events.Publish(eventbus.TypeOriginate, res)

	if a.tx != nil {
		if err := a.tx.Transmit(ctx, raw); err != nil {
			a.logger.Debug("immediate transmit skipped", "key", res.Key.String(), "error", err)
		}
	}
	return res, nil
}

// relayOnce selects the most relevant records and hands them to the radio.
func (a *App) relayOnce(ctx context.Context) (int, error) {
	sel, err := a.selector.Select(ctx, a.cfg.RelayLimit)
	if err != nil {
		a.metrics.RelayRounds.WithLabelValues("error").Inc()
		a.logger.Error("relay selection failed", "error", err)
		return 0, err
	}
	if len(sel.Records) == 0 {
		a.metrics.RelayRounds.WithLabelValues("empty").Inc()
		return 0, nil
	}
	if a.tx == nil {
		a.metrics.RelayRounds.WithLabelValues("no_radio").Inc()
		return 0, radio.ErrNoRadio
	}

	sent, err := a.selector.Broadcast(ctx, a.tx, sel)
	a.metrics.RelayFrames.Add(float64(sent))

	switch {
	case err == nil:
		a.metrics.RelayRounds.WithLabelValues("ok").Inc()
		a.events.Publish(eventbus.TypeRelay, map[string]any{"sent": sent, "keys": sel.Keys()})
		a.logger.Debug("relayed packets", "sent", sent, "policy", a.selector.Policy())
	case errors.Is(err, relay.ErrStale):
		a.metrics.RelayRounds.WithLabelValues("stale").Inc()
		a.logger.Info("relay round abandoned after wipe", "sent", sent)
	case errors.Is(err, radio.ErrNoRadio):
		a.metrics.RelayRounds.WithLabelValues("no_radio").Inc()
		a.logger.Debug("no radio driver connected, relay skipped")
	default:
		a.metrics.RelayRounds.WithLabelValues("error").Inc()
		a.logger.Warn("relay broadcast failed", "sent", sent, "error", err)
	}
	return sent, err
}

// syncOnce runs one upload batch.
func (a *App) syncOnce(ctx context.Context) (uplink.BatchResult, error) {
	start := a.clock.Now()
	res, err := a.uplink.UploadBatch(ctx)
	if errors.Is(err, uplink.ErrBusy) {
		return res, err
	}
	a.metrics.UploadDuration.Observe(a.clock.Since(start).Seconds())
	a.metrics.UploadTotal.WithLabelValues("uploaded").Add(float64(len(res.Uploaded)))
	a.metrics.UploadTotal.WithLabelValues("failed").Add(float64(len(res.Failed)))

	if err != nil {
		a.logger.Error("upload batch failed", "error", err)
		return res, err
	}
	if len(res.Uploaded) > 0 {
		a.logger.Info("uploaded packets", "uploaded", len(res.Uploaded), "failed", len(res.Failed))
		a.events.Publish(eventbus.TypeSync, res)
	}
	a.refreshStoreGauges(ctx)
	return res, nil
}

// cleanupOnce drops expired packets and forgets silent peers.
func (a *App) cleanupOnce(ctx context.Context) (int, error) {
	removed, err := a.store.CleanupExpired(ctx, a.cfg.MaxAge)
	if err != nil {
		a.logger.Error("cleanup failed", "error", err)
		return 0, err
	}
	a.metrics.CleanupRemoved.Add(float64(removed))

	pruned := a.tracker.Prune(a.cfg.PeerTTL)
	a.metrics.TrackedPeers.Set(float64(a.tracker.Len()))

	if removed > 0 || pruned > 0 {
		a.logger.Info("cleanup finished", "expired_packets", removed, "pruned_peers", pruned)
	}
	a.refreshStoreGauges(ctx)
	return removed, nil
}

// wipe is the kill switch: every packet, error row and peer estimate is dropped.
func (a *App) wipe(ctx context.Context) error {
	if err := a.store.ClearAll(ctx); err != nil {
		return err
	}
	a.tracker.Reset()
	a.metrics.TrackedPeers.Set(0)
	a.refreshStoreGauges(ctx)
	a.events.Publish(eventbus.TypeWipe, nil)
	a.logger.Warn("wipe: all mesh data cleared")
	return nil
}

func (a *App) refreshStoreGauges(ctx context.Context) {
	counts, err := a.store.Count(ctx)
	if err != nil {
		a.logger.Debug("count packets", "error", err)
		return
	}
	a.metrics.StoredPackets.WithLabelValues(string(model.SyncPending)).Set(float64(counts.Pending))
	a.metrics.StoredPackets.WithLabelValues(string(model.SyncSynced)).Set(float64(counts.Synced))
	a.metrics.StoredPackets.WithLabelValues("expired").Set(float64(counts.Expired))
}

func (a *App) recordIngestionError(ctx context.Context, peerID string, payload []byte, cause error) {
	if a.store == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	entry := model.IngestionError{
		PeerID:  peerID,
		Payload: truncateString(hex.EncodeToString(payload), maxErrorPayloadLen),
		Error:   cause.Error(),
	}

	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
