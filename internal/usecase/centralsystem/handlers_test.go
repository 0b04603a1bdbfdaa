package centralsystem

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp-gateway/internal/adapter/schema"
	"ocpp-gateway/internal/ocppj"
)

var fixedNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

func newSession(t *testing.T, opts Options) (*Handlers, *ocppj.Session) {
	t.Helper()
	opts.Now = func() time.Time { return fixedNow }
	h := New(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := ocppj.NewSession("CP001", nil)
	h.Register(s)
	return h, s
}

func dispatch(t *testing.T, s *ocppj.Session, action, payload string) (map[string]any, error) {
	t.Helper()
	res, err := s.Dispatch(context.Background(), action, json.RawMessage(payload))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal(res, &out))
	return out, nil
}

func TestBootNotification(t *testing.T) {
	h, s := newSession(t, Options{HeartbeatInterval: 90 * time.Second})

	res, err := dispatch(t, s, "BootNotification", `{"chargePointVendor":"ACME","chargePointModel":"X1","firmwareVersion":"1.2"}`)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", res["status"])
	assert.Equal(t, float64(90), res["interval"])
	assert.Equal(t, "2026-10-14T09:30:00Z", res["currentTime"])

	st, ok := h.Station("CP001")
	require.True(t, ok)
	require.NotNil(t, st.Boot)
	assert.Equal(t, "ACME", st.Boot.Vendor)
	assert.Equal(t, "1.2", st.Boot.FirmwareVersion)
	assert.Equal(t, fixedNow, st.Boot.BootedAt)
}

func TestBootNotificationMalformed(t *testing.T) {
	_, s := newSession(t, Options{})
	_, err := dispatch(t, s, "BootNotification", `[1,2]`)
	var ce *ocppj.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ocppj.FormationViolation, ce.Code)
}

func TestHeartbeat(t *testing.T) {
	h, s := newSession(t, Options{})
	res, err := dispatch(t, s, "Heartbeat", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-14T09:30:00Z", res["currentTime"])

	st, _ := h.Station("CP001")
	assert.Equal(t, fixedNow, st.LastHeartbeat)
}

func TestStatusNotification(t *testing.T) {
	h, s := newSession(t, Options{})

	_, err := dispatch(t, s, "StatusNotification", `{"connectorId":2,"errorCode":"NoError","status":"Charging"}`)
	require.NoError(t, err)
	_, err = dispatch(t, s, "StatusNotification", `{"connectorId":1,"errorCode":"GroundFailure","status":"Faulted"}`)
	require.NoError(t, err)
	_, err = dispatch(t, s, "StatusNotification", `{"connectorId":2,"errorCode":"NoError","status":"Finishing"}`)
	require.NoError(t, err)

	st, _ := h.Station("CP001")
	require.Len(t, st.Connectors, 2)
	assert.Equal(t, 1, st.Connectors[0].ConnectorID)
	assert.Equal(t, "Faulted", st.Connectors[0].Status)
	assert.Equal(t, "Finishing", st.Connectors[1].Status)
}

func TestStatusNotificationErrors(t *testing.T) {
	_, s := newSession(t, Options{})
	tests := []struct {
		payload string
		code    ocppj.ErrorCode
	}{
		{`{"status":"Available","errorCode":"NoError"}`, ocppj.FormationViolation},
		{`{"connectorId":-1,"status":"Available","errorCode":"NoError"}`, ocppj.PropertyConstraintViolation},
	}
	for _, tt := range tests {
		_, err := dispatch(t, s, "StatusNotification", tt.payload)
		var ce *ocppj.CallError
		require.True(t, errors.As(err, &ce), "payload %s", tt.payload)
		assert.Equal(t, tt.code, ce.Code, "payload %s", tt.payload)
	}
}

func TestAuthorize(t *testing.T) {
	_, open := newSession(t, Options{})
	res, err := dispatch(t, open, "Authorize", `{"idTag":"ANY"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "Accepted"}, res["idTagInfo"])

	_, listed := newSession(t, Options{IdTags: []string{"TAG1"}})
	res, err = dispatch(t, listed, "Authorize", `{"idTag":"TAG1"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "Accepted"}, res["idTagInfo"])

	res, err = dispatch(t, listed, "Authorize", `{"idTag":"OTHER"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "Invalid"}, res["idTagInfo"])

	_, err = dispatch(t, listed, "Authorize", `{}`)
	assert.Error(t, err)
}

func TestResponsesMatchSchemas(t *testing.T) {
	v, err := schema.New()
	require.NoError(t, err)
	_, s := newSession(t, Options{})

	calls := map[string]string{
		"BootNotification":   `{"chargePointVendor":"ACME","chargePointModel":"X1"}`,
		"Heartbeat":          `{}`,
		"StatusNotification": `{"connectorId":0,"errorCode":"NoError","status":"Available"}`,
		"Authorize":          `{"idTag":"TAG1"}`,
	}
	for action, payload := range calls {
		require.NoError(t, v.ValidateRequest(action, json.RawMessage(payload)), action)
		res, err := s.Dispatch(context.Background(), action, json.RawMessage(payload))
		require.NoError(t, err, action)
		assert.NoError(t, v.ValidateResponse(action, res), action)
	}
}

func TestForget(t *testing.T) {
	h, s := newSession(t, Options{})
	_, err := dispatch(t, s, "Heartbeat", `{}`)
	require.NoError(t, err)
	h.Forget("CP001")
	_, ok := h.Station("CP001")
	assert.False(t, ok)
}
