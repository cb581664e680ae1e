// Package channel is the persistent WebSocket link to the negotiation service.
//
// A Channel writes the handshake as its first frame, then decodes every
// inbound frame on a dedicated read goroutine. Decoded events, malformed
// frames and an unexpected end of the connection are reported through
// Handlers; the channel itself holds no session state.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/negotiation-live/internal/protocol"
)

var (
	// ErrNotReady is returned by Submit when the channel is not open.
	ErrNotReady = errors.New("channel not ready")
	// ErrNoURL is returned by Open when the dialer has no endpoint.
	ErrNoURL = errors.New("channel url is required")
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
	closeWait           = 5 * time.Second
)

// Handlers receive everything the read loop produces. Callbacks run on the
// read goroutine and must not block for long.
type Handlers struct {
	OnEvent         func(protocol.Event)
	OnProtocolError func(*protocol.DecodeError)
	// OnLost runs at most once, when the connection ends without Close.
	OnLost func(error)
}

// Dialer opens channels to one endpoint.
type Dialer struct {
	URL          string
	Header       http.Header
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	Logger       *slog.Logger
}

// Channel is one open connection. It is safe for concurrent use.
type Channel struct {
	conn         *websocket.Conn
	handlers     Handlers
	logger       *slog.Logger
	writeTimeout time.Duration

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
	open      atomic.Bool
}

// Open dials the endpoint, sends hs and starts reading.
func (d *Dialer) Open(ctx context.Context, hs protocol.Handshake, h Handlers) (*Channel, error) {
	if d.URL == "" {
		return nil, ErrNoURL
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialTimeout := d.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	defer cancelDial()

	//nolint:bodyclose // The response body is owned by the websocket connection.
	conn, _, err := websocket.Dial(dialCtx, d.URL, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	conn.SetReadLimit(readLimit)

	c := &Channel{
		conn:         conn,
		handlers:     h,
		logger:       logger.With("session_id", hs.SessionID),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	if err := c.writeJSON(dialCtx, hs); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.open.Store(true)
	go c.readLoop(readCtx)

	c.logger.Info("Channel opened", "url", d.URL, "retry_mode", hs.RetryMode, "mode", hs.Mode)
	return c, nil
}

// Submit sends one human_input frame.
func (c *Channel) Submit(ctx context.Context, text string) error {
	if !c.Open() {
		return ErrNotReady
	}
	if err := c.writeJSON(ctx, protocol.NewHumanInput(text)); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

// Open reports whether the connection is still usable.
func (c *Channel) Open() bool {
	return c.open.Load()
}

// Done is closed once the read loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. Closing twice is a no-op. OnLost is not
// called for a local close.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.open.Store(false)
		err = c.conn.Close(websocket.StatusNormalClosure, "session closed")
		select {
		case <-c.done:
		case <-time.After(closeWait):
			c.cancel()
			<-c.done
		}
		c.cancel()
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = nil
		}
	})
	return err
}

func (c *Channel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Channel) readLoop(ctx context.Context) {
	defer close(c.done)

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.finish(err)
			return
		}
		if typ != websocket.MessageText {
			c.logger.Debug("Ignoring binary frame", "bytes", len(data))
			continue
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			var de *protocol.DecodeError
			if !errors.As(err, &de) {
				de = &protocol.DecodeError{Code: "bad_frame", Message: err.Error()}
			}
			c.logger.Warn("Dropping malformed frame", "code", de.Code, "type", de.Type, "error", de.Message)
			if c.handlers.OnProtocolError != nil {
				c.handlers.OnProtocolError(de)
			}
			continue
		}
		if c.handlers.OnEvent != nil {
			c.handlers.OnEvent(ev)
		}
	}
}

func (c *Channel) finish(err error) {
	c.open.Store(false)
	if c.closing.Load() {
		c.logger.Debug("Channel closed locally")
		return
	}
	if status := websocket.CloseStatus(err); status != -1 {
		c.logger.Info("Channel closed by peer", "status", status.String())
	} else {
		c.logger.Warn("Channel read failed", "error", err)
	}
	if c.handlers.OnLost != nil {
		c.handlers.OnLost(err)
	}
}
