package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 45 * time.Second
	writeTimeout     = 10 * time.Second
	closeTimeout     = time.Second
)

// reserved headers are generated by the websocket handshake itself.
var reserved = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
}

// WebSocket dials the hub endpoint as
// <endpoint>?learningId=<identifier>&access_token=<credential>.
type WebSocket struct {
	endpoint *url.URL
	header   http.Header
	dialer   *websocket.Dialer
}

func NewWebSocket(endpoint string, headers map[string]string) (*WebSocket, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("endpoint %q must be an absolute ws:// or wss:// url", endpoint)
	}

	header := make(http.Header, len(headers))
	for k, v := range headers {
		if reserved[http.CanonicalHeaderKey(k)] {
			continue
		}
		header.Set(k, v)
	}

	return &WebSocket{
		endpoint: u,
		header:   header,
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  handshakeTimeout,
			EnableCompression: true,
		},
	}, nil
}

// URL returns the address dialed for given identifier and credential.
func (w *WebSocket) URL(identifier, credential string) string {
	u := *w.endpoint
	q := u.Query()
	q.Set("learningId", identifier)
	q.Set("access_token", credential)
	u.RawQuery = q.Encode()
	return u.String()
}

func (w *WebSocket) Dial(ctx context.Context, identifier, credential string) (Conn, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.URL(identifier, credential), w.header.Clone())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		// the url carries the credential, report host and path only
		if resp != nil {
			return nil, fmt.Errorf("dialing %s%s: status %d: %w", w.endpoint.Host, w.endpoint.Path, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing %s%s: %w", w.endpoint.Host, w.endpoint.Path, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() (string, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return "", fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return "", err
	}
	return string(data), nil
}

func (c *wsConn) WriteMessage(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Close sends a normal closure frame and closes the underlying connection.
// Subsequent calls return the result of the first one.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// the peer may be gone already, closing the socket is what matters
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
