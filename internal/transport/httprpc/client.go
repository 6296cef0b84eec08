package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/relaykit/relay/internal/jsonrpc"
)

// Client is a JSON-RPC client over HTTP POST.
type Client struct {
	httpClient *http.Client
	endpoint   string
	next       atomic.Int64
}

// NewClient creates a client for the given endpoint URL
// (e.g. http://127.0.0.1:8480/rpc).
func NewClient(endpoint string) *Client {
	return &Client{
		httpClient: &http.Client{},
		endpoint:   endpoint,
	}
}

// StatusError is a non-200 HTTP response, e.g. 503 while the server is
// stopped or saturated.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Call issues a request and decodes the result into out (ignored when
// nil). A JSON-RPC error frame is returned as *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	id := strconv.FormatInt(c.next.Add(1), 10)
	frame, err := jsonrpc.FormatRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	body, err := c.post(ctx, frame)
	if err != nil {
		return err
	}

	m, err := jsonrpc.Parse(body)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if m.Kind != jsonrpc.KindResponse {
		return fmt.Errorf("%s: unexpected frame kind in response", method)
	}
	if m.Err != nil {
		return m.Err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(m.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Notify sends a fire-and-forget notify frame.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	frame, err := jsonrpc.FormatNotify(method, params)
	if err != nil {
		return fmt.Errorf("marshal %s notify: %w", method, err)
	}
	_, err = c.post(ctx, frame)
	return err
}

func (c *Client) post(ctx context.Context, frame []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return body, nil
}
