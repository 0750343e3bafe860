package uplink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sosmesh/relay-node/internal/packet"
)

// UploadEnvelope is the JSON body posted to the backend.
type UploadEnvelope struct {
	UploadID string         `json:"upload_id"`
	NodeID   string         `json:"node_id,omitempty"`
	Key      string         `json:"key,omitempty"`
	Packet   *packet.Packet `json:"packet,omitempty"`
	Raw      string         `json:"raw"`
	SentAt   time.Time      `json:"sent_at"`
}

// HTTPUploader posts each packet to a backend endpoint.
type HTTPUploader struct {
	url        string
	nodeID     string
	httpClient *http.Client
}

// NewHTTPUploader creates an uploader posting to url.
func NewHTTPUploader(url, nodeID string) *HTTPUploader {
	return &HTTPUploader{
		url:    url,
		nodeID: nodeID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send posts raw and treats any 2xx response as delivered. Network errors map
// to ErrOffline so the rest of the batch is deferred.
func (u *HTTPUploader) Send(ctx context.Context, raw []byte) error {
	env := UploadEnvelope{
		UploadID: uuid.NewString(),
		NodeID:   u.nodeID,
		Raw:      base64.StdEncoding.EncodeToString(raw),
		SentAt:   time.Now().UTC(),
	}
	if p, err := packet.Decode(raw); err == nil {
		env.Key = p.Key().String()
		env.Packet = &p
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.Key)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			return fmt.Errorf("%w: %v", ErrOffline, err)
		}
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload failed with status: %d", resp.StatusCode)
	}
	return nil
}
