package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is a scripted gateway server.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	url      string
	interval int64

	rejectResume atomic.Bool
	authFail     atomic.Bool
	skipAcks     atomic.Bool
	identifies   atomic.Int32
	resumes      atomic.Int32
	heartbeats   atomic.Int32
	lastResume   atomic.Value
	lastIdentify atomic.Value
	connected    chan *serverConn
	mu           sync.Mutex
	current      *serverConn
	sessionCount atomic.Int32
}

type serverConn struct {
	ws  *websocket.Conn
	mu  sync.Mutex
	seq int64
}

func (s *serverConn) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(v)
}

func (s *serverConn) writeRaw(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, []byte(data))
}

func (s *serverConn) dispatch(kind string, data any) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	raw, _ := json.Marshal(data)
	return s.writeJSON(map[string]any{"op": opDispatch, "t": kind, "s": seq, "d": json.RawMessage(raw)})
}

func newFakeGateway(t *testing.T, intervalMs int64) *fakeGateway {
	t.Helper()
	g := &fakeGateway{t: t, interval: intervalMs, connected: make(chan *serverConn, 16)}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.handle(&serverConn{ws: ws})
	}))
	t.Cleanup(g.srv.Close)
	g.url = "ws" + strings.TrimPrefix(g.srv.URL, "http")
	return g
}

func (g *fakeGateway) handle(sc *serverConn) {
	defer sc.ws.Close()
	if err := sc.writeJSON(map[string]any{"op": opHello, "d": map[string]any{"heartbeat_interval": g.interval}}); err != nil {
		return
	}
	for {
		_, data, err := sc.ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Op {
		case opIdentify:
			if g.authFail.Load() {
				sc.mu.Lock()
				sc.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeAuthenticationFailed, "Authentication failed."))
				sc.mu.Unlock()
				return
			}
			g.identifies.Add(1)
			var id identifyData
			json.Unmarshal(f.Data, &id)
			g.lastIdentify.Store(id)
			n := g.sessionCount.Add(1)
			sc.dispatch(EventReady, map[string]any{
				"session_id":         fmt.Sprintf("srv-sess-%d", n),
				"resume_gateway_url": g.url,
				"user":               map[string]any{"id": "100", "username": "artist"},
			})
			g.setCurrent(sc)
		case opResume:
			g.resumes.Add(1)
			var rd resumeData
			json.Unmarshal(f.Data, &rd)
			g.lastResume.Store(rd)
			if g.rejectResume.Load() {
				sc.writeJSON(map[string]any{"op": opInvalidSession, "d": false})
				continue
			}
			sc.mu.Lock()
			sc.seq = rd.Seq
			sc.mu.Unlock()
			sc.dispatch(EventResumed, map[string]any{})
			g.setCurrent(sc)
		case opHeartbeat:
			g.heartbeats.Add(1)
			if !g.skipAcks.Load() {
				sc.writeJSON(map[string]any{"op": opHeartbeatAck})
			}
		}
	}
}

func (g *fakeGateway) setCurrent(sc *serverConn) {
	g.mu.Lock()
	g.current = sc
	g.mu.Unlock()
	select {
	case g.connected <- sc:
	default:
	}
}

func (g *fakeGateway) waitConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-g.connected:
		return sc
	case <-time.After(3 * time.Second):
		t.Fatal("no gateway session established")
		return nil
	}
}

func newTestConnection(g *fakeGateway) *Connection {
	return New(Config{
		Name:             "user",
		URL:              g.url,
		Token:            "user-token",
		Capabilities:     16381,
		BaseDelay:        5 * time.Millisecond,
		MaxDelay:         20 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
	})
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestConnectIdentifiesAndRoutesEvents(t *testing.T) {
	g := newFakeGateway(t, 45000)
	conn := newTestConnection(g)
	defer conn.Close()

	sess, err := conn.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, sess.ID.Valid())
	assert.True(t, sess.Connected)
	assert.Equal(t, "srv-sess-1", sess.ResumeToken)
	assert.Equal(t, "100", sess.UserID)
	assert.Equal(t, 45*time.Second, sess.HeartbeatInterval)

	id := g.lastIdentify.Load().(identifyData)
	assert.Equal(t, "user-token", id.Token)
	assert.Equal(t, 16381, id.Capabilities)
	assert.Zero(t, id.Intents)

	sub := conn.Subscribe(EventMessageCreate)
	defer sub.Close()

	sc := g.waitConn(t)
	require.NoError(t, sc.dispatch(EventMessageUpdate, map[string]any{"id": "ignored"}))
	require.NoError(t, sc.dispatch(EventMessageCreate, map[string]any{"id": "m1", "content": "hello"}))

	ev := recvEvent(t, sub)
	assert.Equal(t, EventMessageCreate, ev.Kind)
	assert.Equal(t, "user", ev.Conn)
	assert.Equal(t, int64(3), ev.Seq)
	assert.False(t, ev.ReceivedAt.IsZero())
	assert.JSONEq(t, `{"id":"m1","content":"hello"}`, string(ev.Data))
	assert.Equal(t, int64(3), conn.Session().Seq)
}

func TestBotIdentitySendsIntents(t *testing.T) {
	g := newFakeGateway(t, 45000)
	conn := New(Config{Name: "bot", URL: g.url, Token: "bot-token", Bot: true, Intents: 33281})
	defer conn.Close()

	_, err := conn.Connect(context.Background())
	require.NoError(t, err)
	id := g.lastIdentify.Load().(identifyData)
	assert.Equal(t, 33281, id.Intents)
	assert.Zero(t, id.Capabilities)
}

func TestResumeKeepsSessionID(t *testing.T) {
	g := newFakeGateway(t, 45000)
	conn := newTestConnection(g)
	defer conn.Close()

	sess, err := conn.Connect(context.Background())
	require.NoError(t, err)
	sc := g.waitConn(t)
	require.NoError(t, sc.dispatch(EventMessageCreate, map[string]any{"id": "m1"}))
	require.Eventually(t, func() bool { return conn.Session().Seq == 2 }, 2*time.Second, 5*time.Millisecond)

	sc.ws.Close()
	g.waitConn(t)

	assert.Equal(t, int32(1), g.resumes.Load())
	assert.Equal(t, int32(1), g.identifies.Load())
	rd := g.lastResume.Load().(resumeData)
	assert.Equal(t, "srv-sess-1", rd.SessionID)
	assert.Equal(t, int64(2), rd.Seq)

	id, err := conn.SessionID()
	require.NoError(t, err)
	assert.Equal(t, sess.ID, id)
	assert.True(t, conn.Session().IdentifiedAt.Equal(sess.IdentifiedAt))
}

func TestRejectedResumeFallsBackToIdentify(t *testing.T) {
	g := newFakeGateway(t, 45000)
	g.rejectResume.Store(true)
	conn := newTestConnection(g)
	defer conn.Close()

	first, err := conn.Connect(context.Background())
	require.NoError(t, err)
	sc := g.waitConn(t)
	sc.ws.Close()
	g.waitConn(t)
	require.Eventually(t, func() bool { return conn.Session().ResumeToken == "srv-sess-2" }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), g.resumes.Load())
	assert.Equal(t, int32(2), g.identifies.Load())
	second := conn.Session()
	assert.True(t, second.ID.Valid())
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "srv-sess-2", second.ResumeToken)
	assert.Equal(t, int64(1), second.Seq)
	assert.False(t, first.IdentifiedAt.IsZero())
	assert.False(t, second.IdentifiedAt.Before(first.IdentifiedAt))
}

func TestInvalidSessionNotResumableIdentifiesAgain(t *testing.T) {
	g := newFakeGateway(t, 45000)
	conn := newTestConnection(g)
	defer conn.Close()

	first, err := conn.Connect(context.Background())
	require.NoError(t, err)
	sc := g.waitConn(t)
	require.NoError(t, sc.writeJSON(map[string]any{"op": opInvalidSession, "d": false}))
	g.waitConn(t)
	require.Eventually(t, func() bool { return conn.Session().ResumeToken == "srv-sess-2" }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(0), g.resumes.Load())
	assert.Equal(t, int32(2), g.identifies.Load())
	assert.NotEqual(t, first.ID, conn.Session().ID)
}

func TestAuthenticationFailureIsFatal(t *testing.T) {
	g := newFakeGateway(t, 45000)
	g.authFail.Store(true)
	conn := newTestConnection(g)

	_, err := conn.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection should be done after auth failure")
	}
	assert.ErrorIs(t, conn.Err(), ErrAuthenticationFailed)
	_, err = conn.SessionID()
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	g := newFakeGateway(t, 45000)
	conn := newTestConnection(g)
	defer conn.Close()

	_, err := conn.Connect(context.Background())
	require.NoError(t, err)
	sub := conn.Subscribe()
	defer sub.Close()

	sc := g.waitConn(t)
	require.NoError(t, sc.writeRaw("{not json"))
	require.NoError(t, sc.dispatch(EventMessageCreate, map[string]any{"id": "after"}))

	ev := recvEvent(t, sub)
	assert.JSONEq(t, `{"id":"after"}`, string(ev.Data))
	assert.Equal(t, int32(1), g.identifies.Load())
	assert.Equal(t, int32(0), g.resumes.Load())
}

func TestMissedHeartbeatAcksForceReconnect(t *testing.T) {
	g := newFakeGateway(t, 20)
	g.skipAcks.Store(true)
	conn := newTestConnection(g)
	defer conn.Close()

	_, err := conn.Connect(context.Background())
	require.NoError(t, err)
	g.waitConn(t)

	g.waitConn(t)
	g.skipAcks.Store(false)
	assert.GreaterOrEqual(t, g.resumes.Load(), int32(1))
	assert.GreaterOrEqual(t, g.heartbeats.Load(), int32(2))
}

func TestServerReconnectRequest(t *testing.T) {
	g := newFakeGateway(t, 45000)
	conn := newTestConnection(g)
	defer conn.Close()

	first, err := conn.Connect(context.Background())
	require.NoError(t, err)
	sc := g.waitConn(t)
	require.NoError(t, sc.writeJSON(map[string]any{"op": opReconnect}))
	g.waitConn(t)

	assert.Equal(t, int32(1), g.resumes.Load())
	assert.Equal(t, first.ID, conn.Session().ID)
}

func TestReconnectExhausted(t *testing.T) {
	g := newFakeGateway(t, 45000)
	conn := New(Config{
		Name:              "user",
		URL:               g.url,
		MaxResumeAttempts: 2,
		BaseDelay:         time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
	})
	defer conn.Close()

	_, err := conn.Connect(context.Background())
	require.NoError(t, err)
	sc := g.waitConn(t)
	g.srv.Close()
	sc.ws.Close()

	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection should give up")
	}
	assert.ErrorIs(t, conn.Err(), ErrReconnectExhausted)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	g := newFakeGateway(t, 45000)
	conn := newTestConnection(g)

	_, err := conn.Connect(context.Background())
	require.NoError(t, err)
	sub := conn.Subscribe()

	require.NoError(t, conn.Close())
	select {
	case _, ok := <-sub.Events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	assert.ErrorIs(t, conn.Err(), ErrClosed)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	conn := New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	for attempt, base := range []time.Duration{100, 200, 400, 800, 1000, 1000} {
		d := conn.backoff(attempt)
		base *= time.Millisecond
		assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		assert.LessOrEqual(t, d, base+base/5, "attempt %d", attempt)
	}
}
