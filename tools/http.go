package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/blas1n/bsai-sub001/llm"
)

// maxResponseSize caps a tool server response body.
const maxResponseSize = 10 * 1024 * 1024

// HTTPExecutor is a LocalExecutor for http and sse tool servers. It sends
// a JSON-RPC tools/call request to the server's "url" transport setting and
// accepts either a JSON body or an event stream carrying the response.
type HTTPExecutor struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPExecutor creates an executor. A nil client gets one with a 2m
// timeout; per-call deadlines come from the context.
func NewHTTPExecutor(client *http.Client, logger *slog.Logger) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPExecutor{httpClient: client, logger: logger.With("component", "http-tool-executor")}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  rpcCallParams `json:"params"`
}

type rpcCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callResult struct {
	IsError bool `json:"isError"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Execute implements LocalExecutor.
func (e *HTTPExecutor) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	url, _ := call.Server.TransportConfig["url"].(string)
	if url == "" {
		return nil, llm.Fatalf("server %s has no url", call.Server.ID)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      call.ID,
		Method:  "tools/call",
		Params:  rpcCallParams{Name: call.ToolName, Arguments: call.Input},
	})
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if headers, ok := call.Server.TransportConfig["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	e.logger.Debug("Sending tool call", "server", call.Server.ID, "tool", call.ToolName, "url", url)

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return nil, classifyStatus(httpResp.StatusCode, respBody)
	}

	var resp rpcResponse
	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		resp, err = readEventStream(httpResp.Body, call.ID)
	} else {
		err = json.NewDecoder(io.LimitReader(httpResp.Body, maxResponseSize)).Decode(&resp)
	}
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("decode response: %w", err))
	}

	if resp.Error != nil {
		return nil, llm.Fatalf("tool error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result callResult
	if err := json.Unmarshal(resp.Result, &result); err == nil && result.IsError {
		texts := make([]string, 0, len(result.Content))
		for _, c := range result.Content {
			if c.Text != "" {
				texts = append(texts, c.Text)
			}
		}
		return nil, llm.Fatalf("tool reported error: %s", strings.Join(texts, "; "))
	}
	return resp.Result, nil
}

// readEventStream returns the first JSON-RPC response for id carried in a
// data line of the stream.
func readEventStream(r io.Reader, id string) (rpcResponse, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxResponseSize))
	scanner.Buffer(make([]byte, 64*1024), maxResponseSize)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &resp); err != nil {
			continue
		}
		if resp.ID == id && (resp.Result != nil || resp.Error != nil) {
			return resp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return rpcResponse{}, err
	}
	return rpcResponse{}, fmt.Errorf("stream ended without a response")
}

// classifyStatus determines if an HTTP error is transient or fatal.
func classifyStatus(statusCode int, body []byte) error {
	err := fmt.Errorf("tool server error (status %d): %s", statusCode, strings.TrimSpace(string(body)))
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return llm.NewTransientError(err)
	default:
		return llm.NewFatalError(err)
	}
}

var _ LocalExecutor = (*HTTPExecutor)(nil)
