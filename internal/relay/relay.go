// Package relay chooses which stored packets to rebroadcast on each tick.
//
// The advertising channel is narrow and shared by every node in range, so a
// node never floods its whole store: each tick transmits a bounded set of
// candidates.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"sosmesh/relay-node/internal/model"
	"sosmesh/relay-node/internal/packet"
	"sosmesh/relay-node/internal/store"
)

// DefaultLimit is the number of packets sent per relay tick.
const DefaultLimit = 5

// ErrStale is returned by Broadcast when the store was cleared after the selection was made.
var ErrStale = errors.New("relay selection is stale")

// Policy orders relay candidates.
type Policy string

const (
	// PolicyRecency sends the most recently received packets first; ties go to
	// the lower originator id.
	PolicyRecency Policy = "recency"
	// PolicyPriority sends the most urgent statuses first; ties go to the more
	// recently received packet, then to the lower originator id.
	PolicyPriority Policy = "priority"
)

// ParsePolicy accepts "recency" or "priority". Empty selects recency.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyRecency:
		return PolicyRecency, nil
	case PolicyPriority:
		return PolicyPriority, nil
	}
	return "", fmt.Errorf("unknown relay policy %q", s)
}

// Source is the read side of the store used for selection.
type Source interface {
	Recent(ctx context.Context, q store.RecentQuery) ([]model.StoredRecord, error)
	Epoch() uint64
}

// Transmitter hands raw frames to the radio.
type Transmitter interface {
	Transmit(ctx context.Context, raw []byte) error
}

// Selection is a candidate set tagged with the store epoch it was read in.
type Selection struct {
	Records []model.StoredRecord `json:"records"`
	Epoch   uint64               `json:"epoch"`
}

// Stale reports whether the store was cleared since the selection was made.
func (s Selection) Stale(src interface{ Epoch() uint64 }) bool {
	return src.Epoch() != s.Epoch
}

// Keys returns the identity keys of the selected records.
func (s Selection) Keys() []packet.Key {
	keys := make([]packet.Key, 0, len(s.Records))
	for _, r := range s.Records {
		keys = append(keys, r.Packet.Key())
	}
	return keys
}

// Selector picks relay candidates from a Source.
type Selector struct {
	src           Source
	policy        Policy
	includeSynced bool
}

// Option configures a Selector.
type Option func(*Selector)

// WithPolicy sets the ordering policy.
func WithPolicy(p Policy) Option {
	return func(s *Selector) {
		if p != "" {
			s.policy = p
		}
	}
}

// WithIncludeSynced keeps relaying packets the backend already acknowledged,
// helping other nodes that have not heard them yet.
func WithIncludeSynced(include bool) Option {
	return func(s *Selector) { s.includeSynced = include }
}

// NewSelector returns a selector using the recency policy unless configured otherwise.
func NewSelector(src Source, opts ...Option) *Selector {
	s := &Selector{src: src, policy: PolicyRecency}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the active ordering policy.
func (s *Selector) Policy() Policy {
	return s.policy
}

// Select returns at most limit live records. A limit of zero uses DefaultLimit.
func (s *Selector) Select(ctx context.Context, limit int) (Selection, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	// Read the epoch first so a clear racing the query marks the result stale.
	sel := Selection{Epoch: s.src.Epoch()}

	q := store.RecentQuery{IncludeSynced: s.includeSynced}
	if s.policy == PolicyRecency {
		q.Limit = limit
	}
	recs, err := s.src.Recent(ctx, q)
	if err != nil {
		return Selection{}, fmt.Errorf("select relay candidates: %w", err)
	}

	if s.policy == PolicyPriority {
		sortByPriority(recs)
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	sel.Records = recs
	return sel, nil
}

func sortByPriority(recs []model.StoredRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		pi, pj := packet.Info(recs[i].Status).Priority, packet.Info(recs[j].Status).Priority
		if pi != pj {
			return pi > pj
		}
		if !recs[i].ReceivedAt.Equal(recs[j].ReceivedAt) {
			return recs[i].ReceivedAt.After(recs[j].ReceivedAt)
		}
		return recs[i].OriginatorID < recs[j].OriginatorID
	})
}

// Broadcast transmits the stored bytes of every record in sel and returns how
// many frames went out. It stops with ErrStale once the store has been cleared.
func (s *Selector) Broadcast(ctx context.Context, tx Transmitter, sel Selection) (int, error) {
	sent := 0
	for _, rec := range sel.Records {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if sel.Stale(s.src) {
			return sent, ErrStale
		}
		if err := tx.Transmit(ctx, rec.Raw); err != nil {
			return sent, fmt.Errorf("transmit %s: %w", rec.Key, err)
		}
		sent++
	}
	return sent, nil
}
