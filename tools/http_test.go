package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blas1n/bsai-sub001/llm"
)

func httpCall(url string) Call {
	return NewCall("s1", "t1", ServerDescriptor{
		ID:              "web",
		Name:            "web",
		Transport:       TransportHTTP,
		TransportConfig: map[string]any{"url": url, "headers": map[string]any{"X-Api-Key": "k"}},
	}, "fetch", map[string]any{"url": "https://example.com"})
}

func TestHTTPExecutor_JSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))

		var req rpcRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tools/call", req.Method)
		assert.Equal(t, "fetch", req.Params.Name)
		assert.Equal(t, "https://example.com", req.Params.Arguments["url"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"content":[{"type":"text","text":"hello"}]}}`, req.ID)
	}))
	defer srv.Close()

	out, err := NewHTTPExecutor(nil, nil).Execute(context.Background(), httpCall(srv.URL))
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"hello"}]}`, string(out))
}

func TestHTTPExecutor_EventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%q,\"result\":{\"ok\":true}}\n\n", req.ID)
	}))
	defer srv.Close()

	out, err := NewHTTPExecutor(nil, nil).Execute(context.Background(), httpCall(srv.URL))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
}

func TestHTTPExecutor_Errors(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		transient bool
	}{
		{
			name: "rpc error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"jsonrpc":"2.0","id":"x","error":{"code":-32602,"message":"unknown tool"}}`)
			},
		},
		{
			name: "tool reported error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"jsonrpc":"2.0","id":"x","result":{"isError":true,"content":[{"type":"text","text":"boom"}]}}`)
			},
		},
		{
			name: "unavailable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			transient: true,
		},
		{
			name: "forbidden",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
		},
		{
			name: "empty stream",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewHTTPExecutor(nil, nil).Execute(context.Background(), httpCall(srv.URL))
			require.Error(t, err)
			if llm.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient() = %v, want %v (err %v)", llm.IsTransient(err), tt.transient, err)
			}
		})
	}
}

func TestHTTPExecutor_MissingURL(t *testing.T) {
	call := NewCall("s1", "", ServerDescriptor{ID: "web", Transport: TransportHTTP}, "fetch", nil)
	_, err := NewHTTPExecutor(nil, nil).Execute(context.Background(), call)
	assert.True(t, llm.IsFatal(err), "got %v", err)
}
