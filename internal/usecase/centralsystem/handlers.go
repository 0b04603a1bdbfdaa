// Package centralsystem answers the charge point initiated OCPP 1.6 core
// actions a gateway must understand before any back office is attached:
// BootNotification, Heartbeat, StatusNotification and Authorize.
package centralsystem

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ocpp-gateway/internal/ocppj"
)

const defaultHeartbeatInterval = 5 * time.Minute

// Options configures the handler set.
type Options struct {
	HeartbeatInterval time.Duration
	// IdTags accepted by Authorize. Empty accepts every tag.
	IdTags []string
	Now    func() time.Time
}

// BootInfo is what a charge point reported in its last BootNotification.
type BootInfo struct {
	Vendor          string    `json:"charge_point_vendor"`
	Model           string    `json:"charge_point_model"`
	SerialNumber    string    `json:"charge_point_serial_number,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	BootedAt        time.Time `json:"booted_at"`
}

// ConnectorStatus is the last StatusNotification for one connector.
type ConnectorStatus struct {
	ConnectorID int       `json:"connector_id"`
	Status      string    `json:"status"`
	ErrorCode   string    `json:"error_code"`
	Info        string    `json:"info,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Station is the state tracked for one identity.
type Station struct {
	Identity      string            `json:"identity"`
	Boot          *BootInfo         `json:"boot,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat,omitempty"`
	Connectors    []ConnectorStatus `json:"connectors,omitempty"`
}

type station struct {
	boot          *BootInfo
	lastHeartbeat time.Time
	connectors    map[int]ConnectorStatus
}

// Handlers holds per-identity state fed by inbound calls.
type Handlers struct {
	interval time.Duration
	idTags   map[string]struct{}
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.RWMutex
	stations map[string]*station
}

// New creates the handler set.
func New(opts Options, logger *slog.Logger) *Handlers {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		interval: opts.HeartbeatInterval,
		now:      opts.Now,
		logger:   logger,
		stations: make(map[string]*station),
	}
	if len(opts.IdTags) > 0 {
		h.idTags = make(map[string]struct{}, len(opts.IdTags))
		for _, tag := range opts.IdTags {
			h.idTags[tag] = struct{}{}
		}
	}
	return h
}

// Register installs the handlers on session. Handlers registered later on
// the same session replace these per action.
func (h *Handlers) Register(session *ocppj.Session) {
	id := session.Identity()
	session.Handle("BootNotification", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return h.bootNotification(ctx, id, payload)
	})
	session.Handle("Heartbeat", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return h.heartbeat(ctx, id)
	})
	session.Handle("StatusNotification", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return h.statusNotification(ctx, id, payload)
	})
	session.Handle("Authorize", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return h.authorize(ctx, id, payload)
	})
}

func (h *Handlers) bootNotification(_ context.Context, identity string, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Vendor          string `json:"chargePointVendor"`
		Model           string `json:"chargePointModel"`
		SerialNumber    string `json:"chargePointSerialNumber"`
		FirmwareVersion string `json:"firmwareVersion"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocppj.NewError(ocppj.FormationViolation, "invalid BootNotification payload", nil)
	}
	now := h.now().UTC()

	h.mu.Lock()
	st := h.stationLocked(identity)
	st.boot = &BootInfo{
		Vendor:          req.Vendor,
		Model:           req.Model,
		SerialNumber:    req.SerialNumber,
		FirmwareVersion: req.FirmwareVersion,
		BootedAt:        now,
	}
	h.mu.Unlock()

	h.logger.Info("charge point booted", "identity", identity, "vendor", req.Vendor, "model", req.Model)
	return json.Marshal(map[string]any{
		"status":      "Accepted",
		"currentTime": now.Format(time.RFC3339),
		"interval":    int(h.interval / time.Second),
	})
}

func (h *Handlers) heartbeat(_ context.Context, identity string) (json.RawMessage, error) {
	now := h.now().UTC()
	h.mu.Lock()
	h.stationLocked(identity).lastHeartbeat = now
	h.mu.Unlock()
	return json.Marshal(map[string]string{"currentTime": now.Format(time.RFC3339)})
}

func (h *Handlers) statusNotification(_ context.Context, identity string, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ConnectorID *int   `json:"connectorId"`
		Status      string `json:"status"`
		ErrorCode   string `json:"errorCode"`
		Info        string `json:"info"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ConnectorID == nil {
		return nil, ocppj.NewError(ocppj.FormationViolation, "invalid StatusNotification payload", nil)
	}
	if *req.ConnectorID < 0 {
		return nil, ocppj.NewError(ocppj.PropertyConstraintViolation, "connectorId must be >= 0", nil)
	}

	h.mu.Lock()
	h.stationLocked(identity).connectors[*req.ConnectorID] = ConnectorStatus{
		ConnectorID: *req.ConnectorID,
		Status:      req.Status,
		ErrorCode:   req.ErrorCode,
		Info:        req.Info,
		UpdatedAt:   h.now().UTC(),
	}
	h.mu.Unlock()

	if req.ErrorCode != "" && req.ErrorCode != "NoError" {
		h.logger.Warn("connector fault", "identity", identity, "connector", *req.ConnectorID, "error_code", req.ErrorCode)
	}
	return json.RawMessage(`{}`), nil
}

func (h *Handlers) authorize(_ context.Context, identity string, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		IdTag string `json:"idTag"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.IdTag == "" {
		return nil, ocppj.NewError(ocppj.FormationViolation, "invalid Authorize payload", nil)
	}
	status := "Accepted"
	if h.idTags != nil {
		if _, ok := h.idTags[req.IdTag]; !ok {
			status = "Invalid"
		}
	}
	h.logger.Debug("authorize", "identity", identity, "status", status)
	return json.Marshal(map[string]any{"idTagInfo": map[string]string{"status": status}})
}

func (h *Handlers) stationLocked(identity string) *station {
	st, ok := h.stations[identity]
	if !ok {
		st = &station{connectors: make(map[int]ConnectorStatus)}
		h.stations[identity] = st
	}
	return st
}

// Station returns the tracked state for identity.
func (h *Handlers) Station(identity string) (Station, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.stations[identity]
	if !ok {
		return Station{}, false
	}
	out := Station{Identity: identity, LastHeartbeat: st.lastHeartbeat}
	if st.boot != nil {
		boot := *st.boot
		out.Boot = &boot
	}
	for _, c := range st.connectors {
		out.Connectors = append(out.Connectors, c)
	}
	sort.Slice(out.Connectors, func(i, j int) bool {
		return out.Connectors[i].ConnectorID < out.Connectors[j].ConnectorID
	})
	return out, true
}

// Forget drops the state for identity.
func (h *Handlers) Forget(identity string) {
	h.mu.Lock()
	delete(h.stations, identity)
	h.mu.Unlock()
}
