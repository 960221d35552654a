package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// HTTPConfig configures a remote engine.
type HTTPConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// HTTPEngine posts the request envelope as JSON and decodes the reply.
// Transport problems come back as reason-coded errors: a deadline is
// ProviderTimeout, 429 is ProviderRateLimited and 5xx or an unreachable
// endpoint is ProviderUnavailable.
type HTTPEngine struct {
	config HTTPConfig
	client *http.Client
}

func NewHTTPEngine(cfg HTTPConfig) *HTTPEngine {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPEngine{config: cfg, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPEngine) Invoke(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, reason.Wrap(reason.ClassValidation, reason.InputSchemaViolation, err, "marshal %s request", req.CapabilityID)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.URL, bytes.NewReader(payload))
	if err != nil {
		return Response{}, reason.Wrap(reason.ClassRetryable, reason.EngineUnavailable, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
	for k, v := range h.config.Headers {
		httpReq.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Response{}, reason.Wrap(reason.ClassRetryable, reason.ProviderTimeout, err, "%s", req.CapabilityID)
		}
		return Response{}, reason.Wrap(reason.ClassRetryable, reason.ProviderUnavailable, err, "%s", req.CapabilityID)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Response{}, reason.New(reason.ClassRetryable, reason.ProviderRateLimited, "%s: HTTP 429", req.CapabilityID)
	case resp.StatusCode >= 500:
		return Response{}, reason.New(reason.ClassRetryable, reason.ProviderUnavailable, "%s: HTTP %d", req.CapabilityID, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Response{}, reason.New(reason.ClassValidation, reason.ProviderRejected, "%s: HTTP %d", req.CapabilityID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, reason.Wrap(reason.ClassRetryable, reason.ProviderTimeout, err, "%s: read body", req.CapabilityID)
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{}, reason.Wrap(reason.ClassValidation, reason.CapabilityContractViolation, err, "%s: decode", req.CapabilityID)
	}
	if err := ValidateResponse(req.CapabilityID, out); err != nil {
		return Response{}, err
	}
	return out, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

