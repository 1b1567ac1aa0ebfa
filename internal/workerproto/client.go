package workerproto

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client dispatches requests to worker endpoints over websocket.
type Client struct {
	dialer          *websocket.Dialer
	dispatchTimeout time.Duration
}

// NewClient creates a client. probeTimeout bounds the connection handshake;
// dispatchTimeout bounds a full request/response exchange.
func NewClient(probeTimeout, dispatchTimeout time.Duration) *Client {
	if probeTimeout == 0 {
		probeTimeout = 2 * time.Second
	}
	if dispatchTimeout == 0 {
		dispatchTimeout = 5 * time.Minute
	}
	return &Client{
		dialer: &websocket.Dialer{
			HandshakeTimeout: probeTimeout,
		},
		dispatchTimeout: dispatchTimeout,
	}
}

// ServiceURL joins an endpoint base URL with the service path.
func ServiceURL(base, service string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", base, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("endpoint %q: scheme must be ws or wss", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + service
	return u.String(), nil
}

// Probe attempts a websocket handshake against the service path. A
// successful handshake means the worker is accepting connections; the
// connection is closed immediately.
func (c *Client) Probe(ctx context.Context, base, service string) error {
	target, err := ServiceURL(base, service)
	if err != nil {
		return err
	}

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", target, err)
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

// Dispatch sends one request and waits for the worker's response. The
// exchange is bounded by the client's dispatch timeout or the context,
// whichever expires first. A timeout is reported as an error; callers treat
// it identically to a worker failure.
func (c *Client) Dispatch(ctx context.Context, base, service string, req *Request) (*Response, error) {
	target, err := ServiceURL(base, service)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.dispatchTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	conn.SetReadDeadline(deadline)
	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}
