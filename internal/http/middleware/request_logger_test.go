package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{name: "implicit ok", status: 0, wantLevel: "INFO"},
		{name: "client error", status: http.StatusBadRequest, wantLevel: "INFO"},
		{name: "server error", status: http.StatusBadGateway, wantLevel: "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logging.NewWithWriter(&buf, "debug")
			h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = w.Write([]byte("ok"))
			}))

			req := httptest.NewRequest(http.MethodGet, "/jobs/abc", nil)
			req.Header.Set("X-Request-ID", "req-1")
			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			want := tt.status
			if want == 0 {
				want = http.StatusOK
			}
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "/jobs/abc", entry["path"])
			assert.Equal(t, "req-1", entry["request_id"])
			assert.EqualValues(t, want, entry["status"])
			assert.EqualValues(t, 2, entry["bytes"])
		})
	}
}
