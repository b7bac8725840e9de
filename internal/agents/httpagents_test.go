package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/pipeline/internal/perrors"
)

func TestHTTPDevAgentDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(DevResult{Files: map[string]string{"a.go": "package a"}})
	}))
	defer srv.Close()

	dev := NewHTTPDevAgent(srv.URL, DefaultHTTPClientConfig())
	out, err := dev(context.Background(), map[string]any{"target_file": "a.go"})
	require.NoError(t, err)
	require.Equal(t, "package a", out.Files["a.go"])
}

func TestHTTPDevAgentClassifies5xxAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dev := NewHTTPDevAgent(srv.URL, DefaultHTTPClientConfig())
	_, err := dev(context.Background(), map[string]any{})
	require.Error(t, err)
	require.True(t, perrors.Retryable(err))
}

func TestHTTPQAAgentClassifies4xxAsContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	qa := NewHTTPQAAgent(srv.URL, DefaultHTTPClientConfig())
	_, err := qa(context.Background(), map[string]string{"a.go": "package a"})
	require.Error(t, err)
	require.False(t, perrors.Retryable(err))
}

func TestHTTPOpsAgentDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(OpsResult{DeploymentID: "d1", Health: "ok"})
	}))
	defer srv.Close()

	ops := NewHTTPOpsAgent(srv.URL, DefaultHTTPClientConfig())
	out, err := ops(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "d1", out.DeploymentID)
}
