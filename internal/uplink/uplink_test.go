package uplink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sosmesh/relay-node/internal/model"
	"sosmesh/relay-node/internal/mqttbroker"
	"sosmesh/relay-node/internal/packet"
	"sosmesh/relay-node/internal/store"
)

type fakeUploader struct {
	mu     sync.Mutex
	fail   map[uint32]error
	sent   [][]byte
	blocks bool
}

func (f *fakeUploader) Send(ctx context.Context, raw []byte) error {
	if f.blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	p, err := packet.Decode(raw)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[p.OriginatorID]; err != nil {
		return err
	}
	f.sent = append(f.sent, raw)
	return nil
}

func seededStore(t *testing.T, n int) *store.Store {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	s, err := store.Open(filepath.Join(t.TempDir(), "uplink.db"), store.WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))

	for i := 1; i <= n; i++ {
		raw := packet.Encode(packet.Packet{
			OriginatorID: uint32(i),
			Sequence:     1,
			Status:       packet.StatusMedical,
			Timestamp:    uint32(mock.Now().Unix()),
		})
		_, err := s.Ingest(context.Background(), raw, 1, -70)
		require.NoError(t, err)
		mock.Add(time.Second)
	}
	return s
}

func TestUploadBatchMarksSuccesses(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, 4)
	up := &fakeUploader{fail: map[uint32]error{3: errors.New("http 500")}}
	c := NewCoordinator(s, up, nil)

	res, err := c.UploadBatch(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Uploaded, 3)
	assert.Equal(t, []packet.Key{{OriginatorID: 3, Sequence: 1}}, res.Failed)

	pending, err := s.PendingForUpload(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint32(3), pending[0].OriginatorID)

	// The failed record is retried on the next batch.
	delete(up.fail, 3)
	res, err = c.UploadBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []packet.Key{{OriginatorID: 3, Sequence: 1}}, res.Uploaded)
	assert.Empty(t, res.Failed)

	res, err = c.UploadBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Uploaded)
}

func TestUploadBatchOfflineDefersEverything(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, 3)
	c := NewCoordinator(s, NopUploader{}, nil)

	res, err := c.UploadBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Uploaded)
	assert.Len(t, res.Failed, 3)

	counts, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Pending)
}

func TestUploadBatchItemTimeout(t *testing.T) {
	s := seededStore(t, 2)
	c := NewCoordinator(s, &fakeUploader{blocks: true}, nil,
		WithItemTimeout(10*time.Millisecond), WithBatchSize(1))

	res, err := c.UploadBatch(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Failed, 1)
	assert.Empty(t, res.Uploaded)
}

type brokenStore struct {
	pending []model.StoredRecord
}

func (b *brokenStore) PendingForUpload(context.Context, int) ([]model.StoredRecord, error) {
	return b.pending, nil
}

func (b *brokenStore) MarkSynced(context.Context, []packet.Key) (int, error) {
	return 0, errors.New("disk full")
}

func TestUploadBatchKeepsPendingWhenMarkFails(t *testing.T) {
	p := packet.Packet{OriginatorID: 7, Sequence: 2, Timestamp: 1}
	bs := &brokenStore{pending: []model.StoredRecord{{Packet: p, Raw: packet.Encode(p)}}}
	c := NewCoordinator(bs, &fakeUploader{}, nil)

	res, err := c.UploadBatch(context.Background())
	assert.Error(t, err)
	assert.Empty(t, res.Uploaded)
	assert.Equal(t, []packet.Key{p.Key()}, res.Failed)

	_, err = c.Acknowledge(context.Background(), []packet.Key{p.Key()})
	assert.Error(t, err)
}

func TestAcknowledge(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, 2)
	c := NewCoordinator(s, NopUploader{}, nil)

	n, err := c.Acknowledge(ctx, []packet.Key{{OriginatorID: 1, Sequence: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Acknowledge(ctx, []packet.Key{{OriginatorID: 1, Sequence: 1}})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHTTPUploader(t *testing.T) {
	var got UploadEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Key == (packet.Key{OriginatorID: 9, Sequence: 9}).String() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	up := NewHTTPUploader(srv.URL, "0000abcd")
	raw := packet.Encode(packet.Packet{OriginatorID: 0x42, Sequence: 3, Timestamp: 100})

	require.NoError(t, up.Send(context.Background(), raw))
	assert.Equal(t, "00000042:3", got.Key)
	assert.Equal(t, "0000abcd", got.NodeID)
	assert.NotEmpty(t, got.UploadID)
	decoded, err := base64.StdEncoding.DecodeString(got.Raw)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	bad := packet.Encode(packet.Packet{OriginatorID: 9, Sequence: 9})
	assert.Error(t, up.Send(context.Background(), bad))
}

func TestHTTPUploaderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPUploader(url, "").Send(context.Background(), packet.Encode(packet.Packet{OriginatorID: 1}))
	assert.ErrorIs(t, err, ErrOffline)
}

func TestMQTTUploaderOfflineWithoutBroker(t *testing.T) {
	b := mqttbroker.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	addr := b.Addr().String()
	require.NoError(t, b.Stop())

	up, err := NewMQTTUploader(MQTTConfig{BrokerURL: "tcp://" + addr, ClientID: "uplink-offline"}, nil)
	require.NoError(t, err)
	defer up.Close()

	raw := packet.Encode(packet.Packet{OriginatorID: 1, Sequence: 1})
	assert.ErrorIs(t, up.Send(context.Background(), raw), ErrOffline)
}

func TestMQTTUploaderPublishesToKeyTopic(t *testing.T) {
	b := mqttbroker.New(slog.New(slog.NewTextHandler(io.Discard, nil)),
		mqttbroker.WithCredentials("relay", "secret"))
	received := make(chan mqttbroker.PublishMessage, 1)
	b.SetPublishHandler(func(_ context.Context, msg mqttbroker.PublishMessage) { received <- msg })
	_, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = b.Stop() }()

	up, err := NewMQTTUploader(MQTTConfig{
		BrokerURL: "tcp://" + b.Addr().String(),
		ClientID:  "uplink-test",
		Username:  "relay",
		Password:  "secret",
	}, nil)
	require.NoError(t, err)
	defer up.Close()

	require.Eventually(t, up.client.IsConnectionOpen, 5*time.Second, 10*time.Millisecond)

	raw := packet.Encode(packet.Packet{OriginatorID: 0x12345678, Sequence: 7, Status: packet.StatusMedical, Timestamp: 100})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, up.Send(ctx, raw))

	select {
	case msg := <-received:
		assert.Equal(t, "sos/packets/12345678:7", msg.Topic)
		assert.Equal(t, raw, msg.Payload)
		assert.Len(t, msg.Payload, packet.LegacySize)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not receive the upload")
	}

	require.NoError(t, b.Stop())
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		return errors.Is(up.Send(ctx, raw), ErrOffline)
	}, 5*time.Second, 20*time.Millisecond)
}
