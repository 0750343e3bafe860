package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sosmesh/relay-node/internal/model"
	"sosmesh/relay-node/internal/packet"
)

const recordColumns = `msg_key, raw, sync_status, received_at, hop_count, rssi`

// Ingest decodes raw and applies the freshness rule in a single statement:
// unseen originators are inserted, a higher sequence replaces the stored
// content in place, anything else is a duplicate. A duplicate of the stored
// key only refreshes its rssi. Malformed and already
// expired frames are Rejected without touching the database.
func (s *Store) Ingest(ctx context.Context, raw []byte, hopCount uint8, rssi int) (model.IngestResult, error) {
	if s.db == nil {
		return model.IngestResult{}, fmt.Errorf("store not initialized")
	}

	p, err := packet.Decode(raw)
	if err != nil {
		return model.IngestResult{Outcome: model.OutcomeRejected, Reason: model.ReasonMalformed}, nil
	}

	result := model.IngestResult{Key: p.Key(), Packet: &p}
	now := s.clock.Now()
	if p.Expired(now, s.maxAge) {
		result.Outcome = model.OutcomeRejected
		result.Reason = model.ReasonExpired
		return result, nil
	}

	size := packet.LegacySize
	if len(raw) >= packet.ExtendedSize {
		size = packet.ExtendedSize
	}
	frame := make([]byte, size)
	copy(frame, raw)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var revision int64
	err = s.db.QueryRowContext(
		ctx,
		`INSERT INTO packets (originator_id, sequence, msg_key, raw, latitude_e7, longitude_e7, status_code, timestamp_s, target_id, sync_status, received_at, hop_count, rssi, revision)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, 0)
		 ON CONFLICT(originator_id) DO UPDATE SET
			sequence = excluded.sequence,
			msg_key = excluded.msg_key,
			raw = excluded.raw,
			latitude_e7 = excluded.latitude_e7,
			longitude_e7 = excluded.longitude_e7,
			status_code = excluded.status_code,
			timestamp_s = excluded.timestamp_s,
			target_id = excluded.target_id,
			sync_status = 'pending',
			received_at = excluded.received_at,
			hop_count = excluded.hop_count,
			rssi = excluded.rssi,
			revision = packets.revision + 1
		 WHERE excluded.sequence > packets.sequence
		 RETURNING revision;`,
		int64(p.OriginatorID),
		int64(p.Sequence),
		p.Key().String(),
		frame,
		packet.EncodeE7(p.Latitude),
		packet.EncodeE7(p.Longitude),
		int64(p.Status),
		int64(p.Timestamp),
		int64(p.TargetID),
		now.UnixMilli(),
		int64(hopCount),
		rssi,
	).Scan(&revision)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		result.Outcome = model.OutcomeDuplicate
		if rssi != 0 {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE packets SET rssi = ? WHERE originator_id = ? AND sequence = ?;`,
				rssi, int64(p.OriginatorID), int64(p.Sequence),
			); err != nil {
				return model.IngestResult{}, fmt.Errorf("refresh rssi %s: %w", p.Key(), err)
			}
		}
	case err != nil:
		return model.IngestResult{}, fmt.Errorf("ingest packet %s: %w", p.Key(), err)
	case revision == 0:
		result.Outcome = model.OutcomeNew
	default:
		result.Outcome = model.OutcomeSuperseded
	}
	return result, nil
}

// PendingForUpload returns non-expired records awaiting upload, oldest receipt first.
// A limit of zero or less returns every pending record.
func (s *Store) PendingForUpload(ctx context.Context, limit int) ([]model.StoredRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = -1
	}

	return s.queryRecords(ctx, "pending records",
		`SELECT `+recordColumns+` FROM packets
		 WHERE sync_status = ? AND timestamp_s >= ?
		 ORDER BY received_at ASC, originator_id ASC
		 LIMIT ?;`,
		string(model.SyncPending), s.liveSince(s.maxAge), limit,
	)
}

// MarkSynced flips the given keys to synced in one transaction and returns how
// many records changed. Unknown, superseded and already synced keys are ignored.
func (s *Store) MarkSynced(ctx context.Context, keys []packet.Key) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	if len(keys) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark synced: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE packets SET sync_status = ? WHERE msg_key = ? AND sync_status = ?;`)
	if err != nil {
		return 0, fmt.Errorf("prepare mark synced: %w", err)
	}
	defer stmt.Close()

	changed := 0
	for _, k := range keys {
		res, err := stmt.ExecContext(ctx, string(model.SyncSynced), k.String(), string(model.SyncPending))
		if err != nil {
			return 0, fmt.Errorf("mark synced %s: %w", k, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("mark synced %s: %w", k, err)
		}
		changed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark synced: %w", err)
	}
	return changed, nil
}

// CleanupExpired deletes records older than maxAge (the store default when
// maxAge is zero) and returns the number removed.
func (s *Store) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	if maxAge <= 0 {
		maxAge = s.maxAge
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM packets WHERE timestamp_s < ?;`, s.liveSince(maxAge))
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	return int(n), nil
}

// ClearAll wipes every packet and rejected payload while keeping the node
// identity and sequence counter, then advances the epoch so relay candidate
// sets taken earlier read as stale.
func (s *Store) ClearAll(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM packets;`,
		`DELETE FROM ingestion_errors;`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear all: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	s.epoch.Add(1)
	return nil
}

// RecentQuery filters Recent.
type RecentQuery struct {
	Limit          int
	IncludeSynced  bool
	IncludeExpired bool
	// Since keeps only records received after this time.
	Since *time.Time
}

// Recent returns records ordered by most recent receipt first, ties broken by
// originator id. A limit of zero or less returns every matching record.
func (s *Store) Recent(ctx context.Context, q RecentQuery) ([]model.StoredRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	var (
		where []string
		args  []interface{}
	)
	if !q.IncludeSynced {
		where = append(where, `sync_status = ?`)
		args = append(args, string(model.SyncPending))
	}
	if !q.IncludeExpired {
		where = append(where, `timestamp_s >= ?`)
		args = append(args, s.liveSince(s.maxAge))
	}
	if q.Since != nil {
		where = append(where, `received_at > ?`)
		args = append(args, q.Since.UnixMilli())
	}

	query := `SELECT ` + recordColumns + ` FROM packets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` ORDER BY received_at DESC, originator_id ASC LIMIT ?;`
	args = append(args, limit)

	return s.queryRecords(ctx, "recent records", query, args...)
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key packet.Key) (model.StoredRecord, error) {
	if s.db == nil {
		return model.StoredRecord{}, fmt.Errorf("store not initialized")
	}

	recs, err := s.queryRecords(ctx, "record",
		`SELECT `+recordColumns+` FROM packets WHERE msg_key = ?;`, key.String())
	if err != nil {
		return model.StoredRecord{}, err
	}
	if len(recs) == 0 {
		return model.StoredRecord{}, fmt.Errorf("record %s: %w", key, ErrNotFound)
	}
	return recs[0], nil
}

// Counts summarises the packets table.
type Counts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Expired int `json:"expired"`
}

// Count returns table statistics.
func (s *Store) Count(ctx context.Context) (Counts, error) {
	if s.db == nil {
		return Counts{}, fmt.Errorf("store not initialized")
	}

	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN sync_status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_status = 'synced' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN timestamp_s < ? THEN 1 ELSE 0 END), 0)
		 FROM packets;`,
		s.liveSince(s.maxAge),
	).Scan(&c.Total, &c.Pending, &c.Synced, &c.Expired)
	if err != nil {
		return Counts{}, fmt.Errorf("count packets: %w", err)
	}
	return c, nil
}

// AddressedTo returns live records whose target is targetID, newest first.
func (s *Store) AddressedTo(ctx context.Context, targetID uint32) ([]model.StoredRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if targetID == 0 {
		return nil, fmt.Errorf("target id must be non-zero")
	}

	return s.queryRecords(ctx, "addressed records",
		`SELECT `+recordColumns+` FROM packets
		 WHERE target_id = ? AND timestamp_s >= ?
		 ORDER BY received_at DESC, originator_id ASC;`,
		int64(targetID), s.liveSince(s.maxAge),
	)
}

// All returns every stored record, expired ones included, oldest receipt first.
func (s *Store) All(ctx context.Context) ([]model.StoredRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	return s.queryRecords(ctx, "all records",
		`SELECT `+recordColumns+` FROM packets ORDER BY received_at ASC, originator_id ASC;`)
}

// liveSince returns the smallest packet timestamp still within maxAge of now,
// matching packet.Expired at second granularity.
func (s *Store) liveSince(maxAge time.Duration) int64 {
	cutoff := s.clock.Now().Add(-maxAge)
	secs := cutoff.Unix()
	if cutoff.Nanosecond() > 0 {
		secs++
	}
	return secs
}

func (s *Store) queryRecords(ctx context.Context, what, query string, args ...interface{}) ([]model.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	var out []model.StoredRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (model.StoredRecord, error) {
	var (
		key        string
		raw        []byte
		syncStatus string
		receivedMs int64
		hopCount   int64
		rssi       int
	)
	if err := rows.Scan(&key, &raw, &syncStatus, &receivedMs, &hopCount, &rssi); err != nil {
		return model.StoredRecord{}, err
	}

	p, err := packet.Decode(raw)
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("decode stored %s: %w", key, err)
	}

	return model.StoredRecord{
		Packet:     p,
		Key:        key,
		Raw:        raw,
		SyncStatus: model.SyncStatus(syncStatus),
		ReceivedAt: time.UnixMilli(receivedMs).UTC(),
		HopCount:   uint8(hopCount),
		RSSI:       rssi,
	}, nil
}
