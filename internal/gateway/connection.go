package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/gridclaw/internal/types"
)

var (
	errInvalidSession     = errors.New("invalid session")
	errResumeRejected     = errors.New("resume rejected")
	errReconnectRequested = errors.New("server requested reconnect")
	errIntentsRejected    = errors.New("gateway rejected intents")
)

// Config configures one gateway identity.
type Config struct {
	Name         string
	URL          string
	Token        string
	Bot          bool
	Intents      int
	Capabilities int

	MaxResumeAttempts int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	HandshakeTimeout  time.Duration
	Dialer            *websocket.Dialer
}

// Connection maintains one persistent gateway connection: it identifies,
// heartbeats, resumes after drops and republishes dispatches to subscribers.
type Connection struct {
	cfg    Config
	dialer *websocket.Dialer
	router *Router

	mu      sync.RWMutex
	session Session
	ws      *websocket.Conn
	// seq is written only by the event-reading flow.
	seq     atomic.Int64
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func New(cfg Config) *Connection {
	if cfg.Name == "" {
		cfg.Name = "gateway"
	}
	if cfg.MaxResumeAttempts <= 0 {
		cfg.MaxResumeAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	return &Connection{
		cfg:    cfg,
		dialer: dialer,
		router: NewRouter(),
		done:   make(chan struct{}),
	}
}

func (c *Connection) Name() string { return c.cfg.Name }

// Connect dials the gateway, identifies and starts the background read and
// heartbeat loops. The connection lives until ctx is cancelled, Close is
// called, or a fatal error occurs.
func (c *Connection) Connect(ctx context.Context) (Session, error) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("gateway %s: already connected", c.cfg.Name)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	ws, interval, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		c.finish(err)
		return Session{}, err
	}
	sess, err := c.identify(ws, interval)
	if err != nil {
		ws.Close()
		c.finish(err)
		return Session{}, err
	}
	c.setConn(ws, sess)

	slog.Info("gateway connected", "conn", c.cfg.Name, "session_id", string(sess.ID), "heartbeat_interval", interval)

	c.wg.Add(1)
	go c.run(ws)
	return c.Session(), nil
}

// Session returns a snapshot of the current session.
func (c *Connection) Session() Session {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	s.Seq = c.seq.Load()
	return s
}

// SessionID returns the interaction session id of the current session. The id
// survives resumes; only a fresh identify replaces it.
func (c *Connection) SessionID() (types.SessionID, error) {
	select {
	case <-c.done:
		return "", c.Err()
	default:
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session.ID == "" {
		return "", ErrNotConnected
	}
	return c.session.ID, nil
}

// Subscribe returns a live subscription to dispatches of the given kinds.
func (c *Connection) Subscribe(kinds ...string) *Subscription {
	return c.router.Subscribe(kinds...)
}

// Done is closed when the connection stops for good.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection stopped, or nil while it is running.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Close shuts the connection down and waits for the background loops.
func (c *Connection) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	ws := c.ws
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
	}
	c.wg.Wait()
	c.finish(ErrClosed)
	return nil
}

func (c *Connection) run(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		err := c.serve(ws)
		ws.Close()
		c.markDisconnected()

		if c.ctx.Err() != nil {
			c.finish(ErrClosed)
			return
		}
		if isFatal(err) {
			slog.Error("gateway fatal error", "conn", c.cfg.Name, "error", err)
			c.finish(err)
			return
		}
		slog.Warn("gateway disconnected, reconnecting", "conn", c.cfg.Name, "error", err)

		next, err := c.reconnect()
		if err != nil {
			if c.ctx.Err() != nil {
				err = ErrClosed
			}
			slog.Error("gateway reconnect failed", "conn", c.cfg.Name, "error", err)
			c.finish(err)
			return
		}
		ws = next
	}
}

// serve reads frames until the connection drops.
func (c *Connection) serve(ws *websocket.Conn) error {
	var acked atomic.Bool
	acked.Store(true)
	stop := make(chan struct{})
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		c.heartbeat(ws, c.Session().HeartbeatInterval, &acked, stop)
	}()
	defer func() {
		close(stop)
		hb.Wait()
	}()

	for {
		f, err := c.readFrame(ws)
		if err != nil {
			if isMalformed(err) {
				slog.Warn("dropping malformed gateway frame", "conn", c.cfg.Name, "error", err)
				continue
			}
			return err
		}

		switch f.Op {
		case opDispatch:
			c.handleDispatch(f)
		case opHeartbeat:
			if err := c.sendHeartbeat(ws); err != nil {
				return err
			}
		case opHeartbeatAck:
			acked.Store(true)
		case opReconnect:
			return errReconnectRequested
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(f.Data, &resumable)
			if !resumable {
				c.clearResume()
			}
			return errInvalidSession
		default:
			slog.Debug("ignoring gateway op", "conn", c.cfg.Name, "op", f.Op)
		}
	}
}

// heartbeat sends a heartbeat every interval. Two consecutive missed
// acknowledgments close the socket, which makes serve return and reconnect.
func (c *Connection) heartbeat(ws *websocket.Conn, interval time.Duration, acked *atomic.Bool, stop <-chan struct{}) {
	if interval <= 0 {
		select {
		case <-stop:
		case <-c.ctx.Done():
			ws.Close()
		}
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			ws.Close()
			return
		case <-ticker.C:
			if !acked.Load() {
				missed++
				if missed >= 2 {
					slog.Warn("heartbeat not acknowledged, forcing reconnect", "conn", c.cfg.Name, "missed", missed)
					ws.Close()
					return
				}
			} else {
				missed = 0
			}
			acked.Store(false)
			if err := c.sendHeartbeat(ws); err != nil {
				slog.Warn("heartbeat send failed", "conn", c.cfg.Name, "error", err)
				return
			}
		}
	}
}

// reconnect retries resume (or identify) with exponential backoff.
func (c *Connection) reconnect() (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxResumeAttempts; attempt++ {
		delay := c.backoff(attempt)
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(delay):
		}

		ws, err := c.reconnectOnce()
		if err == nil {
			return ws, nil
		}
		if isFatal(err) {
			return nil, err
		}
		lastErr = err
		slog.Warn("gateway reconnect attempt failed", "conn", c.cfg.Name, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, c.cfg.MaxResumeAttempts, lastErr)
}

func (c *Connection) reconnectOnce() (*websocket.Conn, error) {
	prev := c.Session()
	url := c.cfg.URL
	if prev.ResumeToken != "" && prev.ResumeURL != "" {
		url = prev.ResumeURL
	}
	ws, interval, err := c.dial(c.ctx, url)
	if err != nil {
		return nil, err
	}

	if prev.ResumeToken != "" {
		sess, err := c.resume(ws, interval, prev)
		if err == nil {
			c.setConn(ws, sess)
			slog.Info("gateway resumed", "conn", c.cfg.Name, "session_id", string(sess.ID), "seq", c.seq.Load())
			return ws, nil
		}
		if !errors.Is(err, errResumeRejected) {
			ws.Close()
			return nil, err
		}
		slog.Info("gateway resume rejected, identifying", "conn", c.cfg.Name)
	}

	sess, err := c.identify(ws, interval)
	if err != nil {
		ws.Close()
		return nil, err
	}
	c.setConn(ws, sess)
	slog.Info("gateway re-identified", "conn", c.cfg.Name, "session_id", string(sess.ID))
	return ws, nil
}

func (c *Connection) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay << uint(attempt)
	if d <= 0 || d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

// dial opens the socket and reads HELLO.
func (c *Connection) dial(ctx context.Context, url string) (*websocket.Conn, time.Duration, error) {
	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("dial gateway: %w", err)
	}
	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	f, err := c.readFrame(ws)
	if err != nil {
		ws.Close()
		return nil, 0, fmt.Errorf("read hello: %w", err)
	}
	if f.Op != opHello {
		ws.Close()
		return nil, 0, fmt.Errorf("expected hello, got op %d", f.Op)
	}
	var hello helloData
	if err := json.Unmarshal(f.Data, &hello); err != nil {
		ws.Close()
		return nil, 0, fmt.Errorf("decode hello: %w", err)
	}
	return ws, time.Duration(hello.HeartbeatInterval) * time.Millisecond, nil
}

// identify starts a fresh session with a new interaction session id.
func (c *Connection) identify(ws *websocket.Conn, interval time.Duration) (Session, error) {
	payload := identifyData{
		Token:      c.cfg.Token,
		Properties: defaultProperties(),
	}
	if c.cfg.Bot {
		payload.Intents = c.cfg.Intents
	} else {
		payload.Capabilities = c.cfg.Capabilities
	}
	if err := c.send(ws, opIdentify, payload); err != nil {
		return Session{}, fmt.Errorf("send identify: %w", err)
	}
	c.seq.Store(0)

	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})
	for {
		f, err := c.readFrame(ws)
		if isMalformed(err) {
			slog.Warn("dropping malformed gateway frame", "conn", c.cfg.Name, "error", err)
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("await ready: %w", err)
		}
		switch f.Op {
		case opDispatch:
			c.handleDispatch(f)
			if f.Type != EventReady {
				continue
			}
			var ready readyData
			if err := json.Unmarshal(f.Data, &ready); err != nil {
				return Session{}, fmt.Errorf("decode ready: %w", err)
			}
			return Session{
				ID:                types.NewSessionID(),
				ResumeToken:       ready.SessionID,
				ResumeURL:         ready.ResumeGatewayURL,
				UserID:            ready.User.ID,
				HeartbeatInterval: interval,
				Connected:         true,
				IdentifiedAt:      time.Now(),
			}, nil
		case opInvalidSession:
			return Session{}, errInvalidSession
		}
	}
}

// resume continues prev. Replayed dispatches are routed as they arrive.
func (c *Connection) resume(ws *websocket.Conn, interval time.Duration, prev Session) (Session, error) {
	payload := resumeData{Token: c.cfg.Token, SessionID: prev.ResumeToken, Seq: c.seq.Load()}
	if err := c.send(ws, opResume, payload); err != nil {
		return Session{}, fmt.Errorf("send resume: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})
	for {
		f, err := c.readFrame(ws)
		if isMalformed(err) {
			slog.Warn("dropping malformed gateway frame", "conn", c.cfg.Name, "error", err)
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("await resumed: %w", err)
		}
		switch f.Op {
		case opDispatch:
			c.handleDispatch(f)
			if f.Type == EventResumed {
				sess := prev
				sess.HeartbeatInterval = interval
				sess.Connected = true
				return sess, nil
			}
		case opInvalidSession:
			return Session{}, errResumeRejected
		}
	}
}

func (c *Connection) handleDispatch(f *frame) {
	if f.Seq != nil {
		c.seq.Store(*f.Seq)
	}
	c.router.Publish(Event{
		Conn:       c.cfg.Name,
		Kind:       f.Type,
		Seq:        c.seq.Load(),
		ReceivedAt: time.Now(),
		Data:       f.Data,
	})
}

func (c *Connection) readFrame(ws *websocket.Conn) (*frame, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, mapCloseError(err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Connection) sendHeartbeat(ws *websocket.Conn) error {
	var d any
	if seq := c.seq.Load(); seq > 0 {
		d = seq
	}
	return c.send(ws, opHeartbeat, d)
}

func (c *Connection) send(ws *websocket.Conn, op int, data any) error {
	msg, err := encodeFrame(op, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Connection) setConn(ws *websocket.Conn, sess Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = ws
	c.session = sess
}

func (c *Connection) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Connected = false
}

func (c *Connection) clearResume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.ResumeToken = ""
	c.session.ResumeURL = ""
}

func (c *Connection) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.session.Connected = false
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(c.done)
		c.router.Close()
	})
}

func mapCloseError(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case closeAuthenticationFailed:
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, ce.Text)
	case closeInvalidIntents, closeDisallowedIntents:
		return fmt.Errorf("%w: %s", errIntentsRejected, ce.Text)
	}
	return err
}

func isMalformed(err error) bool {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syn) || errors.As(err, &typ)
}

func isFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, errIntentsRejected)
}
