package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"sosmesh/relay-node/internal/model"
	"sosmesh/relay-node/internal/packet"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

const (
	nodeIDKey   = "node_id"
	sequenceKey = "local_sequence"
)

// Store wraps the SQLite database holding every packet this node knows about.
// Mutations are serialized by a writer lock; the single pooled connection
// keeps readers from observing a half-applied write.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	clock   clock.Clock
	maxAge  time.Duration
	epoch   atomic.Uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for receipt times and expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithMaxAge sets the packet lifetime used by reads that filter expired records.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// Open initializes the database connection, creating directories as needed.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db, clock: clock.New(), maxAge: packet.MaxAge}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS packets (
			originator_id INTEGER PRIMARY KEY,
			sequence INTEGER NOT NULL,
			msg_key TEXT NOT NULL,
			raw BLOB NOT NULL,
			latitude_e7 INTEGER NOT NULL,
			longitude_e7 INTEGER NOT NULL,
			status_code INTEGER NOT NULL,
			timestamp_s INTEGER NOT NULL,
			target_id INTEGER NOT NULL DEFAULT 0,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			received_at INTEGER NOT NULL,
			hop_count INTEGER NOT NULL DEFAULT 0,
			rssi INTEGER NOT NULL DEFAULT 0,
			revision INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_packets_msg_key ON packets(msg_key);`,
		`CREATE INDEX IF NOT EXISTS idx_packets_received ON packets(received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_packets_sync ON packets(sync_status, timestamp_s);`,
		`CREATE INDEX IF NOT EXISTS idx_packets_target ON packets(target_id);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			peer_id TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// MaxAge returns the configured packet lifetime.
func (s *Store) MaxAge() time.Duration {
	return s.maxAge
}

// Epoch increases every time ClearAll runs.
func (s *Store) Epoch() uint64 {
	return s.epoch.Load()
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (peer_id, payload, error, created_at) VALUES (?, ?, ?, ?);`,
		e.PeerID,
		e.Payload,
		e.Error,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns rejected payloads newest first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT peer_id, payload, error, created_at FROM ingestion_errors ORDER BY id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	var out []model.IngestionError
	for rows.Next() {
		var (
			peerID, payload sql.NullString
			msg, created    string
		)
		if err := rows.Scan(&peerID, &payload, &msg, &created); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, created)
		out = append(out, model.IngestionError{
			PeerID:    peerID.String,
			Payload:   payload.String,
			Error:     msg,
			CreatedAt: createdAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}

	return out, nil
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfig returns all configuration entries as a map.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan app config: %w", err)
		}
		config[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app config: %w", err)
	}

	return config, nil
}

// NodeID returns this installation's originator id, generating and
// persisting a random non-zero id on first use.
func (s *Store) NodeID(ctx context.Context) (uint32, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?;`, nodeIDKey).Scan(&raw)
	switch {
	case err == nil:
		id, perr := strconv.ParseUint(raw, 16, 32)
		if perr != nil {
			return 0, fmt.Errorf("parse node id %q: %w", raw, perr)
		}
		return uint32(id), nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("get node id: %w", err)
	}

	id, err := randomNodeID()
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO app_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING;`,
		nodeIDKey, fmt.Sprintf("%08x", id)); err != nil {
		return 0, fmt.Errorf("save node id: %w", err)
	}
	return id, nil
}

// SetNodeID pins the originator id, e.g. when restoring a device.
func (s *Store) SetNodeID(ctx context.Context, id uint32) error {
	if id == 0 {
		return fmt.Errorf("node id must be non-zero")
	}
	return s.UpsertAppConfig(ctx, nodeIDKey, fmt.Sprintf("%08x", id))
}

// NextSequence atomically increments and returns the local sequence counter.
// The counter survives ClearAll so peers never see a reused sequence. When it
// wraps to 0 the node's own stored packet is dropped so the next one is New.
func (s *Store) NextSequence(ctx context.Context) (uint16, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin next sequence: %w", err)
	}
	defer tx.Rollback()

	var value string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, '1', strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET
			value = CAST((CAST(app_config.value AS INTEGER) + 1) % 65536 AS TEXT),
			updated_at = excluded.updated_at
		 RETURNING value;`,
		sequenceKey,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	n, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parse sequence %q: %w", value, err)
	}

	// After a wrap the stored own packet would outrank every new sequence.
	if n == 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM packets WHERE printf('%08x', originator_id) = (SELECT value FROM app_config WHERE key = ?);`,
			nodeIDKey,
		); err != nil {
			return 0, fmt.Errorf("drop own packet on sequence wrap: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit next sequence: %w", err)
	}
	return uint16(n), nil
}

func randomNodeID() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("generate node id: %w", err)
		}
		if id := binary.BigEndian.Uint32(b[:]); id != 0 {
			return id, nil
		}
	}
}
