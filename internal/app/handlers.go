package app

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sosmesh/relay-node/internal/model"
	"sosmesh/relay-node/internal/packet"
	"sosmesh/relay-node/internal/relay"
	"sosmesh/relay-node/internal/store"
	"sosmesh/relay-node/internal/uplink"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const wsPingInterval = 20 * time.Second

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, a.instrument(name, h))
	}

	handle("/healthz", "healthz", a.handleHealthz)
	handle("/readyz", "readyz", a.handleReadyz)
	handle("/api/node", "node", a.handleNode)
	handle("/api/packets", "packets", a.handlePackets)
	handle("/api/packets/pending", "pending", a.handlePending)
	handle("/api/packets/{key}", "packet", a.handlePacket)
	handle("/api/inbox", "inbox", a.handleInbox)
	handle("/api/peers", "peers", a.handlePeers)
	handle("/api/peers/{peer}/direction/reset", "peer_direction_reset", a.handleResetDirection)
	handle("/api/relay/preview", "relay_preview", a.handleRelayPreview)
	handle("/api/sync", "sync", a.handleSync)
	handle("/api/ack", "ack", a.handleAck)
	handle("/api/errors", "errors", a.handleErrors)
	handle("/api/export/packets", "export", a.handleExportPackets)
	handle("/api/statuses", "statuses", a.handleStatuses)
	handle("/api/config", "config", a.handleConfig)
	handle("/api/admin/wipe", "wipe", a.handleWipe)
	handle("/api/events", "events", a.handleEvents)

	return mux
}

// recordView is a stored record with presentation data attached.
type recordView struct {
	model.StoredRecord
	StatusInfo packet.StatusInfo `json:"status_info"`
	Expired    bool              `json:"expired"`
}

func (a *App) views(recs []model.StoredRecord) []recordView {
	now := a.clock.Now()
	out := make([]recordView, 0, len(recs))
	for _, r := range recs {
		out = append(out, recordView{
			StoredRecord: r,
			StatusInfo:   packet.Info(r.Status),
			Expired:      r.Expired(now, a.store.MaxAge()),
		})
	}
	return out
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.store == nil || a.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store ping failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store_unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"radio_clients": a.broker.ClientCount(),
		"radio_state":   a.bridge.State(),
	})
}

func (a *App) handleNode(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	counts, err := a.store.Count(r.Context())
	if err != nil {
		a.logger.Error("failed to count packets", "error", err)
		http.Error(w, "failed to count packets", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"node_id":        fmt.Sprintf("%08x", a.nodeID),
		"packets":        counts,
		"tracked_peers":  a.tracker.Len(),
		"relay_policy":   a.selector.Policy(),
		"relay_limit":    a.cfg.RelayLimit,
		"uploader":       a.cfg.Uploader,
		"live_listeners": a.events.Len(),
		"store_epoch":    a.store.Epoch(),
	}
	if a.bridge != nil {
		resp["radio_state"] = a.bridge.State()
		resp["radio_dropped"] = a.bridge.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handlePackets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listPackets(w, r)
	case http.MethodPost:
		a.originatePacket(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) listPackets(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 25, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q := store.RecentQuery{
		Limit:          limit,
		IncludeSynced:  queryBool(r, "include_synced", true),
		IncludeExpired: queryBool(r, "include_expired", false),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		q.Since = &ts
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	recs, err := a.store.Recent(ctx, q)
	if err != nil {
		a.logger.Error("failed to load recent packets", "error", err)
		http.Error(w, "failed to load packets", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packets": a.views(recs)})
}

type originateRequest struct {
	Status    string  `json:"status"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	TargetID  string  `json:"target_id"`
}

func (a *App) originatePacket(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	status := packet.DefaultStatus
	if req.Status != "" {
		s, err := packet.ParseStatusName(req.Status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status = s
	}

	var target uint32
	if req.TargetID != "" {
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(req.TargetID), "0x"), 16, 32)
		if err != nil {
			http.Error(w, "target_id must be a hex node id", http.StatusBadRequest)
			return
		}
		target = uint32(n)
	}

	res, err := a.Originate(r.Context(), status, req.Latitude, req.Longitude, target)
	switch {
	case errors.Is(err, ErrInvalidLocation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		a.logger.Error("failed to originate packet", "error", err)
		http.Error(w, "failed to originate packet", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *App) handlePending(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	limit, err := queryInt(r, "limit", 0, 0, 1000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	recs, err := a.store.PendingForUpload(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to load pending packets", "error", err)
		http.Error(w, "failed to load packets", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packets": a.views(recs)})
}

func (a *App) handlePacket(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	key, err := packet.ParseKey(r.PathValue("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := a.store.Get(r.Context(), key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		a.logger.Error("failed to load packet", "key", key.String(), "error", err)
		http.Error(w, "failed to load packet", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a.views([]model.StoredRecord{rec})[0])
}

func (a *App) handleInbox(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	recs, err := a.store.AddressedTo(r.Context(), a.nodeID)
	if err != nil {
		a.logger.Error("failed to load inbox", "error", err)
		http.Error(w, "failed to load inbox", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": fmt.Sprintf("%08x", a.nodeID), "packets": a.views(recs)})
}

func (a *App) handlePeers(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": a.tracker.Peers()})
}

func (a *App) handleResetDirection(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if !a.tracker.ResetDirection(r.PathValue("peer")) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleRelayPreview(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	limit, err := queryInt(r, "limit", a.cfg.RelayLimit, 1, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sel, err := a.selector.Select(r.Context(), limit)
	if err != nil {
		a.logger.Error("relay preview failed", "error", err)
		http.Error(w, "failed to select packets", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policy":  a.selector.Policy(),
		"epoch":   sel.Epoch,
		"packets": a.views(sel.Records),
	})
}

func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	res, err := a.syncOnce(r.Context())
	switch {
	case errors.Is(err, uplink.ErrBusy):
		http.Error(w, "upload already running", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, "upload batch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uploaded": keyStrings(res.Uploaded),
		"failed":   keyStrings(res.Failed),
	})
}

func (a *App) handleAck(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	keys := make([]packet.Key, 0, len(req.Keys))
	for _, s := range req.Keys {
		k, err := packet.ParseKey(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		keys = append(keys, k)
	}

	n, err := a.uplink.Acknowledge(r.Context(), keys)
	if err != nil {
		a.logger.Error("failed to apply acknowledgements", "error", err)
		http.Error(w, "failed to apply acknowledgements", http.StatusInternalServerError)
		return
	}
	if n > 0 {
		a.refreshStoreGauges(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": n})
}

func (a *App) handleErrors(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := a.store.RecentIngestionErrors(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		http.Error(w, "failed to load errors", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": entries})
}

func (a *App) handleExportPackets(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	recs, err := a.store.All(ctx)
	if err != nil {
		a.logger.Error("export: failed to load packets", "error", err)
		http.Error(w, "failed to load packets", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=sos_packets.csv")

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{
		"key",
		"originator_id",
		"sequence",
		"latitude",
		"longitude",
		"status",
		"created_at",
		"target_id",
		"received_at",
		"hop_count",
		"rssi",
		"sync_status",
		"raw_hex",
	}); err != nil {
		a.logger.Error("export: failed to write header", "error", err)
		return
	}

	for _, rec := range recs {
		row := []string{
			rec.Key,
			fmt.Sprintf("%08x", rec.OriginatorID),
			strconv.Itoa(int(rec.Sequence)),
			strconv.FormatFloat(rec.Latitude, 'f', 7, 64),
			strconv.FormatFloat(rec.Longitude, 'f', 7, 64),
			rec.Status.String(),
			rec.CreatedAt().Format(time.RFC3339),
			fmt.Sprintf("%08x", rec.TargetID),
			rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
			strconv.Itoa(int(rec.HopCount)),
			strconv.Itoa(rec.RSSI),
			string(rec.SyncStatus),
			hex.EncodeToString(rec.Raw),
		}
		if err := csvWriter.Write(row); err != nil {
			a.logger.Error("export: failed to write row", "error", err)
			return
		}
	}

	if err := csvWriter.Error(); err != nil {
		a.logger.Error("export: writer error", "error", err)
	}
}

func (a *App) handleStatuses(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": packet.Statuses()})
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.serveConfig(w, r)
	case http.MethodPost:
		a.updateConfig(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Error("failed to load app config", "error", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	active := map[string]any{
		"http_port":        a.cfg.HTTPPort,
		"mqtt_bind":        a.cfg.MQTTBindAddress,
		"metrics_port":     a.cfg.MetricsPort,
		"database_path":    a.cfg.DatabasePath,
		"log_level":        a.cfg.LogLevel,
		"relay_interval":   a.cfg.RelayInterval.String(),
		"relay_limit":      a.cfg.RelayLimit,
		"relay_policy":     a.cfg.RelayPolicy,
		"sync_interval":    a.cfg.SyncInterval.String(),
		"cleanup_interval": a.cfg.CleanupInterval.String(),
		"max_age":          a.cfg.MaxAge.String(),
		"uploader":         a.cfg.Uploader,
	}

	writeJSON(w, http.StatusOK, map[string]any{"active": active, "persisted": persisted})
}

func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RelayLimit  *int    `json:"relay_limit"`
		RelayPolicy *string `json:"relay_policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	type updateResult struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	var updates []updateResult

	if req.RelayLimit != nil {
		if *req.RelayLimit < 1 || *req.RelayLimit > 100 {
			http.Error(w, "relay_limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		updates = append(updates, updateResult{Key: configKeyRelayLimit, Value: strconv.Itoa(*req.RelayLimit)})
	}
	if req.RelayPolicy != nil {
		p, err := relay.ParsePolicy(*req.RelayPolicy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		updates = append(updates, updateResult{Key: configKeyRelayPolicy, Value: string(p)})
	}
	if len(updates) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no supported fields provided"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	for _, u := range updates {
		if err := a.store.UpsertAppConfig(ctx, u.Key, u.Value); err != nil {
			a.logger.Error("failed to update config", "key", u.Key, "error", err)
			http.Error(w, "failed to persist config", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"updates": updates, "requires_restart": true})
}

func (a *App) handleWipe(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.wipe(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe data", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := a.events.Subscribe()
	defer unsub()

	// Reads only serve control frames; a read error means the client went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				a.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-a.done:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be between %d and %d", key, min, max)
	}
	return n, nil
}

func queryBool(r *http.Request, key string, def bool) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return b
}

func keyStrings(keys []packet.Key) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}
