package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client calls a bridge daemon's JSON-RPC API.
type Client struct {
	url        string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewClient creates a client for the daemon at addr ("host:port" or a URL).
func NewClient(addr string, timeout time.Duration) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		url:        strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// URL returns the daemon URL the client talks to.
func (c *Client) URL() string {
	return c.url
}

// Call invokes method with params and decodes the result into out.
// RPC failures are returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	request := Request{
		JSONRPC: "2.0",
		Method:  method,
		ID:      c.requestID.Add(1),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		request.Params = raw
	}

	data, err := json.Marshal(request)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if response.Error != nil {
		return response.Error
	}
	if out == nil || len(response.Result) == 0 {
		return nil
	}
	return json.Unmarshal(response.Result, out)
}

// Subscribe opens the daemon's WebSocket and delivers events of the given
// types (all types when none are given) until ctx is cancelled or the
// connection drops.
func (c *Client) Subscribe(ctx context.Context, events []EventType, sessions []string, fn func(WSEvent)) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to open websocket: %w", err)
	}
	defer conn.Close()

	if len(events) > 0 || len(sessions) > 0 {
		sub := WSSubscription{Action: "subscribe", Sessions: sessions}
		for _, e := range events {
			sub.Events = append(sub.Events, string(e))
		}
		if err := conn.WriteJSON(sub); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev WSEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(ev)
	}
}
