package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthz(t *testing.T) {
	tests := []struct {
		name    string
		state   string
		healthy bool
		code    int
	}{
		{"open", "OPEN", true, http.StatusOK},
		{"reconnecting", "RECONNECTING", false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(func() (string, bool) { return tt.state, tt.healthy })
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			require.Equal(t, tt.code, rec.Code)
			var body map[string]any
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.state, body["state"])
		})
	}
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	IncWSConnect("ok")
	IncFrameIn("message")
	SetOutboxDepth(2)

	r := NewRouter(func() (string, bool) { return "OPEN", true })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "dfchat_ws_connects_total"))
	assert.True(t, strings.Contains(body, `dfchat_ws_frames_total{direction="in",type="message"}`))
	assert.True(t, strings.Contains(body, "dfchat_outbox_depth 2"))
}

func TestSplitFullMethod(t *testing.T) {
	svc, method := splitFullMethod("/dfchat.v1.ChatService/SendText")
	assert.Equal(t, "dfchat.v1.ChatService", svc)
	assert.Equal(t, "SendText", method)

	svc, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", svc)
	assert.Equal(t, "unknown", method)
}
