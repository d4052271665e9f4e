package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/hub/internal/registry"
)

var (
	// ErrBridgeUnreachable is returned when the target bridge is unknown,
	// not routable, or fails at the transport level. The caller owns retry
	// policy; the hub never queues for an unreachable bridge.
	ErrBridgeUnreachable = errors.New("bridge unreachable")
	// ErrUpstreamTimeout is returned when a bridge accepts the connection
	// but does not answer within the proxy deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrThreadNotFound is returned when the bridge reports the thread id
	// does not exist. Send-message callers get one automatic repair.
	ErrThreadNotFound = errors.New("thread not found")
)

// bridgeError is the structured error body bridges return on non-2xx.
type bridgeError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SendResult is the bridge's answer to a message send: the turn it opened
// and the thread it ran against (which differs from the requested thread
// after a repair).
type SendResult struct {
	TurnID   string `json:"turnId"`
	ThreadID string `json:"threadId"`
	Status   string `json:"status,omitempty"`
}

// Client proxies request/response calls to bridge processes over loopback.
// Every call resolves the bridge through the registry first and reports
// transport-level failures back so repeated ones degrade the entry.
type Client struct {
	reg     *registry.Registry
	http    *http.Client
	timeout time.Duration

	// baseURL overrides the loopback address derivation. Test hook.
	baseURL func(registry.Registration) string
}

// NewClient creates a proxy client. timeout bounds each upstream round trip.
func NewClient(reg *registry.Registry, timeout time.Duration) *Client {
	return &Client{
		reg:     reg,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		baseURL: func(r registry.Registration) string {
			return fmt.Sprintf("http://127.0.0.1:%d", r.ListenPort)
		},
	}
}

// SetBaseURL overrides bridge address derivation. Test hook.
func (c *Client) SetBaseURL(fn func(registry.Registration) string) {
	c.baseURL = fn
}

// resolve looks the bridge up and fails fast when it is gone or not in a
// routable health state.
func (c *Client) resolve(bridgeID string) (registry.Registration, error) {
	entry, err := c.reg.Resolve(bridgeID)
	if err != nil {
		return registry.Registration{}, ErrBridgeUnreachable
	}
	if !registry.Routable(entry.HealthState) {
		return registry.Registration{}, ErrBridgeUnreachable
	}
	return entry, nil
}

// ListThreads proxies the bridge's thread listing.
func (c *Client) ListThreads(ctx context.Context, bridgeID string) (json.RawMessage, error) {
	return c.do(ctx, bridgeID, http.MethodGet, "/threads", nil)
}

// ReadThread proxies a single thread read.
func (c *Client) ReadThread(ctx context.Context, bridgeID, threadID string) (json.RawMessage, error) {
	return c.do(ctx, bridgeID, http.MethodGet, "/threads/"+threadID, nil)
}

// CreateThread asks the bridge for a fresh thread and returns its id.
func (c *Client) CreateThread(ctx context.Context, bridgeID string) (string, error) {
	raw, err := c.do(ctx, bridgeID, http.MethodPost, "/threads", map[string]any{})
	if err != nil {
		return "", err
	}
	var out struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.ThreadID == "" {
		return "", fmt.Errorf("%w: malformed create-thread response", ErrBridgeUnreachable)
	}
	return out.ThreadID, nil
}

// SendMessage forwards a message to a thread and returns the opened turn.
func (c *Client) SendMessage(ctx context.Context, bridgeID, threadID, text string) (SendResult, error) {
	raw, err := c.do(ctx, bridgeID, http.MethodPost, "/threads/"+threadID+"/messages",
		map[string]any{"text": text})
	if err != nil {
		return SendResult{}, err
	}
	var out SendResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return SendResult{}, fmt.Errorf("%w: malformed send response", ErrBridgeUnreachable)
	}
	if out.ThreadID == "" {
		out.ThreadID = threadID
	}
	return out, nil
}

// SendMessageWithRepair sends a message and, if the bridge reports the
// thread gone, creates a replacement thread and resends exactly once.
// The returned result carries the thread the message actually ran on;
// repaired reports whether the fallback path was taken.
func (c *Client) SendMessageWithRepair(ctx context.Context, bridgeID, threadID, text string) (SendResult, bool, error) {
	result, err := c.SendMessage(ctx, bridgeID, threadID, text)
	if !errors.Is(err, ErrThreadNotFound) {
		return result, false, err
	}

	slog.Info("Thread gone on bridge, recreating once",
		"bridgeId", bridgeID, "threadId", threadID)

	newThreadID, err := c.CreateThread(ctx, bridgeID)
	if err != nil {
		return SendResult{}, false, err
	}
	// Second send is final: a thread-not-found here surfaces as-is.
	result, err = c.SendMessage(ctx, bridgeID, newThreadID, text)
	if err != nil {
		return SendResult{}, false, err
	}
	result.ThreadID = newThreadID
	return result, true, nil
}

// Interrupt forwards a turn interrupt.
func (c *Client) Interrupt(ctx context.Context, bridgeID, turnID string) (json.RawMessage, error) {
	return c.do(ctx, bridgeID, http.MethodPost, "/turns/"+turnID+"/interrupt", map[string]any{})
}

// Steer forwards mid-turn steering text.
func (c *Client) Steer(ctx context.Context, bridgeID, turnID, text string) (json.RawMessage, error) {
	return c.do(ctx, bridgeID, http.MethodPost, "/turns/"+turnID+"/steer",
		map[string]any{"text": text})
}

// ForwardApproval relays a decided approval to the bridge so the paused
// action can proceed or abort.
func (c *Client) ForwardApproval(ctx context.Context, bridgeID, turnID, approvalID, decision string) (json.RawMessage, error) {
	return c.do(ctx, bridgeID, http.MethodPost,
		"/turns/"+turnID+"/approvals/"+approvalID,
		map[string]any{"decision": decision})
}

// TurnSnapshot reads the bridge's full current state for a turn. Used by
// the polling fallback when no live event attach exists.
func (c *Client) TurnSnapshot(ctx context.Context, bridgeID, turnID string) (json.RawMessage, error) {
	return c.do(ctx, bridgeID, http.MethodGet, "/turns/"+turnID+"/snapshot", nil)
}

func (c *Client) do(ctx context.Context, bridgeID, method, path string, body any) (json.RawMessage, error) {
	entry, err := c.resolve(bridgeID)
	if err != nil {
		return nil, err
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL(entry)+path, payload)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.reg.ReportProxyFailure(bridgeID)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrUpstreamTimeout
		}
		slog.Warn("Bridge request failed", "bridgeId", bridgeID, "path", path, "error", err)
		return nil, ErrBridgeUnreachable
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.reg.ReportProxyFailure(bridgeID)
		return nil, ErrBridgeUnreachable
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	var bErr bridgeError
	_ = json.Unmarshal(raw, &bErr)
	switch {
	case bErr.Code == "thread_not_found" || resp.StatusCode == http.StatusNotFound:
		return nil, ErrThreadNotFound
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, ErrUpstreamTimeout
	default:
		c.reg.ReportProxyFailure(bridgeID)
		if bErr.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrBridgeUnreachable, bErr.Error)
		}
		return nil, fmt.Errorf("%w: upstream status %d", ErrBridgeUnreachable, resp.StatusCode)
	}
}
