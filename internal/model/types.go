package model

import (
	"time"

	"sosmesh/relay-node/internal/packet"
)

// SyncStatus is the upload state of a stored record.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// StoredRecord is a packet held by this node together with local bookkeeping.
type StoredRecord struct {
	packet.Packet
	Key        string     `json:"key"`
	Raw        []byte     `json:"raw"`
	SyncStatus SyncStatus `json:"sync_status"`
	ReceivedAt time.Time  `json:"received_at"`
	HopCount   uint8      `json:"hop_count"`
	RSSI       int        `json:"rssi"`
}

// Outcome classifies the result of ingesting a frame.
type Outcome string

const (
	OutcomeNew        Outcome = "new"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeRejected   Outcome = "rejected"
)

// Reject reasons.
const (
	ReasonMalformed = "malformed"
	ReasonExpired   = "expired"
)

// IngestResult describes what the store did with a frame.
type IngestResult struct {
	Outcome Outcome        `json:"outcome"`
	Key     packet.Key     `json:"key"`
	Packet  *packet.Packet `json:"packet,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// Stored reports whether the frame changed local state.
func (r IngestResult) Stored() bool {
	return r.Outcome == OutcomeNew || r.Outcome == OutcomeSuperseded
}

// IngestionError captures a frame that was rejected.
type IngestionError struct {
	PeerID    string    `json:"peer_id"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// AppConfigEntry represents a persisted configuration key/value pair.
type AppConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
