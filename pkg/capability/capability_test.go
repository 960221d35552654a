package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

func TestValidateResponse(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		ok   bool
	}{
		{"ok", Response{Status: StatusOK}, true},
		{"refused with reason", Response{Status: StatusRefused, ReasonCode: reason.AccessDenied}, true},
		{"fail without reason", Response{Status: StatusFail}, false},
		{"unknown status", Response{Status: "MAYBE", ReasonCode: "x"}, false},
		{"clarify without fields", Response{Status: StatusNeedsClarify, ReasonCode: "Missing"}, false},
		{"clarify with field", Response{Status: StatusNeedsClarify, ReasonCode: "Missing", MissingFields: []string{"date"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResponse("cap.x", tt.resp)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, reason.CapabilityContractViolation, reason.CodeOf(err))
		})
	}
}

func TestEngines_Lookup(t *testing.T) {
	engines := Engines{"cap.echo": EngineFunc(func(_ context.Context, req Request) (Response, error) {
		return Response{Status: StatusOK, ProducedFields: req.Input}, nil
	})}
	eng, err := engines.Lookup("cap.echo")
	require.NoError(t, err)
	resp, err := eng.Invoke(context.Background(), Request{Input: map[string]any{"a": "b"}})
	require.NoError(t, err)
	assert.Equal(t, "b", resp.ProducedFields["a"])

	_, err = engines.Lookup("cap.none")
	assert.Equal(t, reason.UnknownCapability, reason.CodeOf(err))
}

func TestHTTPEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "corr-1", r.Header.Get("X-Correlation-ID"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		switch req.CapabilityID {
		case "cap.ok":
			_ = json.NewEncoder(w).Encode(Response{Status: StatusOK, ProducedFields: map[string]any{"id": "r-1"}})
		case "cap.busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "cap.down":
			w.WriteHeader(http.StatusBadGateway)
		case "cap.bad":
			_, _ = w.Write([]byte(`{"status":"PERHAPS"}`))
		case "cap.slow":
			time.Sleep(200 * time.Millisecond)
			_ = json.NewEncoder(w).Encode(Response{Status: StatusOK})
		}
	}))
	defer srv.Close()

	eng := NewHTTPEngine(HTTPConfig{URL: srv.URL, Headers: map[string]string{"X-Api-Key": "secret"}})
	ctx := context.Background()
	req := func(id string) Request { return Request{CapabilityID: id, CorrelationID: "corr-1"} }

	resp, err := eng.Invoke(ctx, req("cap.ok"))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "r-1", resp.ProducedFields["id"])

	_, err = eng.Invoke(ctx, req("cap.busy"))
	assert.Equal(t, reason.ProviderRateLimited, reason.CodeOf(err))

	_, err = eng.Invoke(ctx, req("cap.down"))
	assert.Equal(t, reason.ProviderUnavailable, reason.CodeOf(err))
	assert.Equal(t, reason.ClassRetryable, reason.ClassOf(err))

	_, err = eng.Invoke(ctx, req("cap.bad"))
	assert.Equal(t, reason.CapabilityContractViolation, reason.CodeOf(err))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = eng.Invoke(short, req("cap.slow"))
	assert.Equal(t, reason.ProviderTimeout, reason.CodeOf(err))
}
