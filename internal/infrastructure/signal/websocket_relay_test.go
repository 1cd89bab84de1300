package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "relay-secret"

// testHub is a minimal signaling server: it checks the bearer token and
// rebroadcasts every text frame to all other connections.
type testHub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
	dials int
}

func newTestHub() *testHub {
	return &testHub{conns: make(map[*websocket.Conn]bool)}
}

func (h *testHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if _, err := ParseToken(testSecret, token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns[conn] = true
	h.dials++
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		for other := range h.conns {
			if other != conn {
				other.WriteMessage(websocket.TextMessage, data)
			}
		}
		h.mu.Unlock()
	}
}

func (h *testHub) connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *testHub) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

func (h *testHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestRelay(t *testing.T, url, participant string) *WebSocketRelay {
	t.Helper()
	token, err := IssueToken(testSecret, time.Hour, "standup", domain.ParticipantID(participant), "")
	require.NoError(t, err)
	return NewWebSocketRelay(WebSocketConfig{
		URL:          url,
		Token:        token,
		PingInterval: time.Second,
		PongTimeout:  5 * time.Second,
		Reconnect: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2,
		},
	}, zap.NewNop().Sugar())
}

type received struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *received) add(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *received) all() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envs...)
}

func TestWebSocketRelayDelivers(t *testing.T) {
	hub := newTestHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newTestRelay(t, wsURL(server), "alice")
	bob := newTestRelay(t, wsURL(server), "bob")
	defer alice.Close()
	defer bob.Close()

	var got received
	go alice.Subscribe(ctx, nil, func(Envelope) {})
	go bob.Subscribe(ctx, nil, got.add)

	require.Eventually(t, func() bool { return hub.connections() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Publish(ctx, Envelope{Type: TypeJoin, CallID: "standup", From: "alice"}))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, "alice", got.all()[0].From)
	assert.Equal(t, TypeJoin, got.all()[0].Type)
}

func TestWebSocketRelayDropsMalformedFrames(t *testing.T) {
	hub := newTestHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob := newTestRelay(t, wsURL(server), "bob")
	defer bob.Close()
	var got received
	go bob.Subscribe(ctx, nil, got.add)
	require.Eventually(t, func() bool { return hub.connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	token, err := IssueToken(testSecret, time.Hour, "standup", "mallory", "")
	require.NoError(t, err)
	raw, _, err := websocket.DefaultDialer.Dial(wsURL(server), http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	defer raw.Close()
	require.Eventually(t, func() bool { return hub.connections() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"type":"shout","from":"mallory"}`)))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"type":"leave","call_id":"standup","from":"mallory"}`)))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, TypeLeave, got.all()[0].Type)
}

func TestWebSocketRelayRejectsBadToken(t *testing.T) {
	server := httptest.NewServer(newTestHub())
	defer server.Close()

	relay := NewWebSocketRelay(WebSocketConfig{
		URL:       wsURL(server),
		Token:     "forged",
		Reconnect: retry.Config{MaxAttempts: 5, InitialDelay: time.Second},
	}, zap.NewNop().Sugar())

	start := time.Now()
	err := relay.Subscribe(context.Background(), nil, func(Envelope) {})
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWebSocketRelayReconnects(t *testing.T) {
	hub := newTestHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay(t, wsURL(server), "alice")
	defer relay.Close()

	var mu sync.Mutex
	ready := 0
	go relay.Subscribe(ctx, func() {
		mu.Lock()
		ready++
		mu.Unlock()
	}, func(Envelope) {})

	require.Eventually(t, func() bool { return hub.connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, relay.Connected, time.Second, 10*time.Millisecond)
	hub.dropAll()

	require.Eventually(t, func() bool {
		return hub.dialCount() == 2 && hub.connections() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ready == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRelayPublishBeforeConnect(t *testing.T) {
	relay := NewWebSocketRelay(WebSocketConfig{URL: "ws://127.0.0.1:1/ws"}, zap.NewNop().Sugar())
	err := relay.Publish(context.Background(), Envelope{Type: TypeJoin, From: "alice"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, relay.Close())
	err = relay.Publish(context.Background(), Envelope{Type: TypeJoin, From: "alice"})
	assert.ErrorIs(t, err, ErrRelayClosed)
}

func TestWebSocketRelayStopsOnCancel(t *testing.T) {
	hub := newTestHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	relay := newTestRelay(t, wsURL(server), "alice")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- relay.Subscribe(ctx, nil, func(Envelope) {}) }()
	require.Eventually(t, func() bool { return hub.connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}
