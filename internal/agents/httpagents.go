package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/pipeline/internal/perrors"
)

// HTTPClientConfig bounds the HTTP adapter's connection behavior.
type HTTPClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
}

// DefaultHTTPClientConfig returns the adapter's default timeout and
// connection-pool sizing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
	}
}

func newHTTPClient(cfg HTTPClientConfig) *http.Client {
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// httpAgent posts a JSON request to a fixed URL and decodes a JSON
// response, tracing the round trip with a span per call carrying
// url/method attributes.
type httpAgent struct {
	client *http.Client
	url    string
	tracer trace.Tracer
}

func newHTTPAgent(url string, cfg HTTPClientConfig) httpAgent {
	return httpAgent{client: newHTTPClient(cfg), url: url, tracer: otel.Tracer("pipeline-agents")}
}

func (a httpAgent) post(ctx context.Context, spanName string, in any, out any) error {
	ctx, span := a.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("url", a.url),
		attribute.String("method", http.MethodPost),
	))
	defer span.End()

	payload, err := json.Marshal(in)
	if err != nil {
		return perrors.New(perrors.Contract, fmt.Errorf("agents: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return perrors.New(perrors.Contract, fmt.Errorf("agents: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return perrors.New(perrors.Transient, fmt.Errorf("agents: http call failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return perrors.New(perrors.Transient, fmt.Errorf("agents: read response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return perrors.New(perrors.Transient, fmt.Errorf("agents: upstream %s returned %d: %s", a.url, resp.StatusCode, body))
	}
	if resp.StatusCode >= 400 {
		return perrors.New(perrors.Contract, fmt.Errorf("agents: upstream %s returned %d: %s", a.url, resp.StatusCode, body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return perrors.New(perrors.Contract, fmt.Errorf("agents: decode response: %w", err))
	}
	return nil
}

// NewHTTPDevAgent adapts a remote Dev agent reachable at url into a
// Dev callable.
func NewHTTPDevAgent(url string, cfg HTTPClientConfig) Dev {
	a := newHTTPAgent(url, cfg)
	return func(ctx context.Context, payload map[string]any) (DevResult, error) {
		var out DevResult
		if err := a.post(ctx, "agents.dev", payload, &out); err != nil {
			return DevResult{}, err
		}
		return out, nil
	}
}

// NewHTTPQAAgent adapts a remote QA agent reachable at url into a QA
// callable.
func NewHTTPQAAgent(url string, cfg HTTPClientConfig) QA {
	a := newHTTPAgent(url, cfg)
	return func(ctx context.Context, files map[string]string) (QAResult, error) {
		var out QAResult
		if err := a.post(ctx, "agents.qa", map[string]any{"files": files}, &out); err != nil {
			return QAResult{}, err
		}
		return out, nil
	}
}

// NewHTTPOpsAgent adapts a remote Ops agent reachable at url into an
// Ops callable.
func NewHTTPOpsAgent(url string, cfg HTTPClientConfig) Ops {
	a := newHTTPAgent(url, cfg)
	return func(ctx context.Context, artifact map[string]any) (OpsResult, error) {
		var out OpsResult
		if err := a.post(ctx, "agents.ops", artifact, &out); err != nil {
			return OpsResult{}, err
		}
		return out, nil
	}
}
