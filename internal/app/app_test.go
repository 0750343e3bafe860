package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sosmesh/relay-node/internal/config"
	"sosmesh/relay-node/internal/eventbus"
	"sosmesh/relay-node/internal/model"
	"sosmesh/relay-node/internal/packet"
	"sosmesh/relay-node/internal/radio"
)

const testNodeID = 0xA1B2C3D4

type fakeTx struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (f *fakeTx) Transmit(_ context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, append([]byte(nil), raw...))
	return nil
}

func (f *fakeTx) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func newTestApp(t *testing.T) (*App, *clock.Mock, *fakeTx) {
	t.Helper()

	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "node.db")
	cfg.NodeID = testNodeID
	cfg.MDNSEnabled = false

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(mock))
	require.NoError(t, a.setup(context.Background()))
	t.Cleanup(a.teardown)

	tx := &fakeTx{}
	a.tx = tx
	return a, mock, tx
}

func frameAt(mock *clock.Mock, origin uint32, seq uint16, target uint32) []byte {
	return packet.Encode(packet.Packet{
		OriginatorID: origin,
		Sequence:     seq,
		Latitude:     52.52,
		Longitude:    13.405,
		Status:       packet.StatusTrapped,
		Timestamp:    uint32(mock.Now().Unix()),
		TargetID:     target,
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRadioEventsIngestAndTrack(t *testing.T) {
	a, mock, _ := newTestApp(t)
	ctx := context.Background()

	events, unsub := a.events.Subscribe()
	defer unsub()

	raw := frameAt(mock, 0x11, 1, 0)
	a.handleRadioEvent(ctx, radio.PacketReceived{Payload: raw, RSSI: -61, PeerID: "peer-a", At: mock.Now()})

	ev := <-events
	assert.Equal(t, eventbus.TypeIngest, ev.Type)
	res := ev.Data.(model.IngestResult)
	assert.Equal(t, model.OutcomeNew, res.Outcome)

	rec, err := a.store.Get(ctx, packet.Key{OriginatorID: 0x11, Sequence: 1})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), rec.HopCount)
	assert.Equal(t, -61, rec.RSSI)

	snap, ok := a.tracker.Peer("peer-a")
	require.True(t, ok)
	assert.Equal(t, -61, snap.Raw)

	// The same frame heard again is not stored twice.
	a.handleRadioEvent(ctx, radio.PacketReceived{Payload: raw, RSSI: -70, PeerID: "peer-b", At: mock.Now()})
	counts, err := a.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total)

	a.handleRadioEvent(ctx, radio.PacketReceived{Payload: []byte{0xFF, 0xFF, 1}, RSSI: -50, PeerID: "peer-c"})
	errs, err := a.store.RecentIngestionErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "peer-c", errs[0].PeerID)
	assert.Equal(t, "ffff01", errs[0].Payload)
	assert.Contains(t, errs[0].Error, model.ReasonMalformed)

	a.handleRadioEvent(ctx, radio.StateChanged{State: radio.StateScanning, At: mock.Now()})
	ev = <-events
	assert.Equal(t, eventbus.TypeRadioState, ev.Type)
}

func TestOriginate(t *testing.T) {
	a, _, tx := newTestApp(t)
	ctx := context.Background()

	res, err := a.Originate(ctx, packet.StatusMedical, 10.5, -20.25, 0)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNew, res.Outcome)
	assert.Equal(t, packet.Key{OriginatorID: testNodeID, Sequence: 1}, res.Key)

	rec, err := a.store.Get(ctx, res.Key)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), rec.HopCount)
	assert.Equal(t, packet.StatusMedical, rec.Status)
	assert.InDelta(t, 10.5, rec.Latitude, 1e-7)

	frames := tx.sent()
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], packet.LegacySize)

	// A second originate supersedes the first under the next sequence.
	res, err = a.Originate(ctx, packet.StatusSafe, 10.5, -20.25, 0xCAFE)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuperseded, res.Outcome)
	assert.Equal(t, uint16(2), res.Key.Sequence)
	assert.Len(t, tx.sent()[1], packet.ExtendedSize)

	_, err = a.Originate(ctx, packet.StatusSafe, 91, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func TestRelayOnceSendsMostRecentFirst(t *testing.T) {
	a, mock, tx := newTestApp(t)
	ctx := context.Background()

	var last []byte
	for i := uint32(1); i <= 7; i++ {
		last = frameAt(mock, i, 1, 0)
		_, err := a.ingest(ctx, last, 1, -60, "peer")
		require.NoError(t, err)
		mock.Add(time.Second)
	}

	sent, err := a.relayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, sent)

	frames := tx.sent()
	require.Len(t, frames, 5)
	assert.Equal(t, last, frames[0])

	tx.err = radio.ErrNoRadio
	sent, err = a.relayOnce(ctx)
	assert.ErrorIs(t, err, radio.ErrNoRadio)
	assert.Zero(t, sent)
}

func TestCleanupOnceRemovesExpired(t *testing.T) {
	a, mock, _ := newTestApp(t)
	ctx := context.Background()

	_, err := a.ingest(ctx, frameAt(mock, 1, 1, 0), 1, -60, "peer")
	require.NoError(t, err)
	a.tracker.Observe("peer", -60, nil)

	mock.Add(25 * time.Hour)
	removed, err := a.cleanupOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Zero(t, a.tracker.Len())
}

func TestPacketsAPI(t *testing.T) {
	a, _, _ := newTestApp(t)
	h := a.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/packets", map[string]any{"status": "medical", "latitude": 1.5, "longitude": 2.5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created model.IngestResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = doJSON(t, h, http.MethodGet, "/api/packets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Packets []struct {
			Key        string            `json:"key"`
			StatusInfo packet.StatusInfo `json:"status_info"`
			HopCount   int               `json:"hop_count"`
		} `json:"packets"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Packets, 1)
	assert.Equal(t, created.Key.String(), list.Packets[0].Key)
	assert.Equal(t, "medical", list.Packets[0].StatusInfo.Name)

	rec = doJSON(t, h, http.MethodGet, "/api/packets/"+created.Key.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/packets/deadbeef:9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/packets/not-a-key", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/packets", map[string]any{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/packets", map[string]any{"latitude": 200})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/packets", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/statuses", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trapped")
}

func TestSyncAndAcknowledge(t *testing.T) {
	a, mock, _ := newTestApp(t)
	h := a.routes()
	ctx := context.Background()

	raw := frameAt(mock, 0x42, 3, 0)
	_, err := a.ingest(ctx, raw, 1, -60, "peer")
	require.NoError(t, err)

	// No backend configured: the batch fails softly and the record stays pending.
	rec := doJSON(t, h, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var syncResp struct {
		Uploaded []string `json:"uploaded"`
		Failed   []string `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&syncResp))
	assert.Empty(t, syncResp.Uploaded)
	assert.Equal(t, []string{"00000042:3"}, syncResp.Failed)

	rec = doJSON(t, h, http.MethodGet, "/api/packets/pending", nil)
	assert.Contains(t, rec.Body.String(), "00000042:3")

	rec = doJSON(t, h, http.MethodPost, "/api/ack", map[string]any{"keys": []string{"00000042:3"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"acknowledged":1}`, rec.Body.String())

	pending, err := a.store.PendingForUpload(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	rec = doJSON(t, h, http.MethodPost, "/api/ack", map[string]any{"keys": []string{"garbage"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInboxAndRelayPreview(t *testing.T) {
	a, mock, _ := newTestApp(t)
	h := a.routes()
	ctx := context.Background()

	_, err := a.ingest(ctx, frameAt(mock, 0x10, 1, testNodeID), 2, -70, "peer")
	require.NoError(t, err)
	mock.Add(time.Second)
	_, err = a.ingest(ctx, frameAt(mock, 0x20, 1, 0), 2, -70, "peer")
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/api/inbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inbox struct {
		NodeID  string `json:"node_id"`
		Packets []struct {
			Key string `json:"key"`
		} `json:"packets"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&inbox))
	assert.Equal(t, "a1b2c3d4", inbox.NodeID)
	require.Len(t, inbox.Packets, 1)
	assert.Equal(t, "00000010:1", inbox.Packets[0].Key)

	rec = doJSON(t, h, http.MethodGet, "/api/relay/preview?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var preview struct {
		Policy  string `json:"policy"`
		Packets []struct {
			Key string `json:"key"`
		} `json:"packets"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&preview))
	assert.Equal(t, "recency", preview.Policy)
	require.Len(t, preview.Packets, 1)
	assert.Equal(t, "00000020:1", preview.Packets[0].Key)
}

func TestWipeRequiresConfirmation(t *testing.T) {
	a, mock, _ := newTestApp(t)
	h := a.routes()
	ctx := context.Background()

	_, err := a.ingest(ctx, frameAt(mock, 1, 1, 0), 1, -60, "peer")
	require.NoError(t, err)
	a.tracker.Observe("peer", -60, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/admin/wipe", map[string]string{"confirm": "yes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	epoch := a.store.Epoch()
	rec = doJSON(t, h, http.MethodPost, "/api/admin/wipe", map[string]string{"confirm": "wipe"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	counts, err := a.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
	assert.Zero(t, a.tracker.Len())
	assert.Greater(t, a.store.Epoch(), epoch)

	// Identity survives the wipe.
	id, err := a.store.NodeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(testNodeID), id)
}

func TestExportCSV(t *testing.T) {
	a, mock, _ := newTestApp(t)
	ctx := context.Background()

	_, err := a.ingest(ctx, frameAt(mock, 7, 2, 0), 3, -80, "peer")
	require.NoError(t, err)

	rec := doJSON(t, a.routes(), http.MethodGet, "/api/export/packets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "key", rows[0][0])
	assert.Equal(t, "00000007:2", rows[1][0])
	assert.Equal(t, "trapped", rows[1][5])
	assert.Equal(t, "3", rows[1][9])
}

func TestConfigEndpointPersists(t *testing.T) {
	a, _, _ := newTestApp(t)
	h := a.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/config", map[string]any{"relay_limit": 3, "relay_policy": "priority"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/config", map[string]any{"relay_limit": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	a.applyPersistedConfig(context.Background())
	assert.Equal(t, 3, a.cfg.RelayLimit)
	assert.Equal(t, "priority", string(a.cfg.RelayPolicy))

	rec = doJSON(t, h, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"relay_limit":"3"`)
}

func TestHealthAndReadiness(t *testing.T) {
	a, _, _ := newTestApp(t)
	h := a.routes()

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The broker only exists once Run has started it.
	rec = doJSON(t, h, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/node", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"node_id":"a1b2c3d4"`)
}

func TestEventsWebSocket(t *testing.T) {
	a, mock, _ := newTestApp(t)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return a.events.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = a.ingest(context.Background(), frameAt(mock, 9, 1, 0), 1, -60, "peer")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Type string `json:"type"`
		Data struct {
			Outcome string `json:"outcome"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "ingest", ev.Type)
	assert.Equal(t, "new", ev.Data.Outcome)

	conn.Close()
	require.Eventually(t, func() bool { return a.events.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMDNSInstanceName(t *testing.T) {
	assert.Equal(t, "sos-mesh-relay 0000abcd", mdnsInstanceName("", 0xABCD))
	assert.Equal(t, "field kit 0000abcd", mdnsInstanceName("field.kit", 0xABCD))
	assert.Len(t, []rune(mdnsInstanceName(strings.Repeat("x", 80), 1)), mdnsMaxLabel)
	assert.Equal(t, "relay-one", mdnsHostLabel("Relay One"))
}
