package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"callmesh/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketConfig struct {
	URL          string
	Token        string
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	Reconnect    retry.Config
}

// WebSocketRelay is a client of a websocket signaling server. It keeps one
// connection open and redials with backoff when it drops.
type WebSocketRelay struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

func NewWebSocketRelay(config WebSocketConfig, logger *zap.SugaredLogger) *WebSocketRelay {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &WebSocketRelay{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: logger,
	}
}

func (r *WebSocketRelay) Publish(ctx context.Context, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	r.mu.Lock()
	conn, closed := r.conn, r.closed
	r.mu.Unlock()
	if closed {
		return ErrRelayClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(r.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

func (r *WebSocketRelay) Subscribe(ctx context.Context, onReady func(), handler func(Envelope)) error {
	for {
		conn, err := retry.Do(ctx, r.config.Reconnect, func() (*websocket.Conn, error) {
			return r.dial(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to connect to signaling server: %w", err)
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return ErrRelayClosed
		}
		r.conn = conn
		r.mu.Unlock()

		r.logger.Infow("connected to signaling server", "url", r.config.URL)
		if onReady != nil {
			onReady()
		}

		err = r.serve(ctx, conn, handler)

		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		closed := r.closed
		r.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if closed {
			return ErrRelayClosed
		}
		r.logger.Warnw("signaling connection lost, reconnecting", "error", err)
	}
}

func (r *WebSocketRelay) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if r.config.Token != "" {
		header.Set("Authorization", "Bearer "+r.config.Token)
	}
	conn, resp, err := r.dialer.DialContext(ctx, r.config.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrInvalidToken, resp.Status))
		}
		return nil, err
	}
	return conn, nil
}

// serve reads until the connection fails or ctx is done.
func (r *WebSocketRelay) serve(ctx context.Context, conn *websocket.Conn, handler func(Envelope)) error {
	conn.SetReadDeadline(time.Now().Add(r.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(r.config.PongTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		pingTicker := time.NewTicker(r.config.PingInterval)
		defer pingTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Unblocks the reader below.
				conn.Close()
				return
			case <-done:
				return
			case <-pingTicker.C:
				deadline := time.Now().Add(r.config.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					r.logger.Debugw("error sending ping", "error", err)
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(r.config.PongTimeout))

		env, err := decodeEnvelope(data)
		if err != nil {
			r.logger.Warnw("dropping signaling message", "error", err)
			continue
		}
		handler(env)
	}
}

// Connected reports whether a connection to the server is currently open.
func (r *WebSocketRelay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *WebSocketRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.conn == nil {
		return nil
	}
	r.writeMu.Lock()
	r.conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
	_ = r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	return r.conn.Close()
}
