// Package correlate layers request/response semantics over the gateway event
// stream. Each command is sent as an interaction through the dispatcher and
// resolved by the first inbound message that matches it.
package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/user/gridclaw/internal/classify"
	"github.com/user/gridclaw/internal/dispatch"
	"github.com/user/gridclaw/internal/gateway"
	"github.com/user/gridclaw/internal/types"
)

var (
	ErrBusy              = errors.New("a request is already pending")
	ErrTimeout           = errors.New("timed out waiting for response")
	ErrUnknownGrid       = errors.New("unknown grid message")
	ErrNoSuchVariant     = errors.New("grid has no button for variant")
	ErrInteractionFailed = errors.New("interaction failed")
	ErrReset             = errors.New("correlation state reset")
)

const (
	defaultGenerateTimeout = 10 * time.Minute
	defaultUpscaleTimeout  = 5 * time.Minute
	interactionsPath       = "/interactions"
	maxRetired             = 4096
)

// Source is an event stream the client listens on.
type Source interface {
	Name() string
	Subscribe(kinds ...string) *gateway.Subscription
	Done() <-chan struct{}
	Err() error
}

// SessionProvider supplies the session id sent with every interaction.
type SessionProvider interface {
	SessionID() (types.SessionID, error)
}

// Sender delivers REST calls.
type Sender interface {
	Send(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error)
}

type Config struct {
	ApplicationID string
	GuildID       string
	ChannelID     string
	// ServiceAuthorID is the user id of the generation service.
	ServiceAuthorID string

	CommandID      string
	CommandVersion string
	CommandName    string

	GenerateTimeout time.Duration
	UpscaleTimeout  time.Duration
	Classifier      *classify.Classifier
}

// RequestKind distinguishes generate and upscale requests.
type RequestKind string

const (
	KindGenerate RequestKind = "generate"
	KindUpscale  RequestKind = "upscale"
)

// Result is what a resolved request produced.
type Result struct {
	RequestID types.RequestID
	Kind      RequestKind
	Outcome   classify.Outcome
	Message   *types.Message
	ImageURL  string
	Variant   int
	GridID    string
}

// Event is an inbound message observation offered to pending requests.
type Event struct {
	Source      string
	Observation classify.Observation
	ReceivedAt  time.Time
}

// PendingRequest is the single outstanding request of a client.
type PendingRequest struct {
	ID        types.RequestID
	Kind      RequestKind
	Nonce     types.Nonce
	Predicate func(Event) bool
	Future    *Future
	CreatedAt time.Time
	Deadline  time.Time

	history       *classify.History
	messages      map[string]bool
	interactionID string
	variant       int
	gridID        string
}

// Call is a submitted request awaiting its response.
type Call struct {
	client  *Client
	pending *PendingRequest
}

func (c *Call) ID() types.RequestID { return c.pending.ID }

// Wait blocks until the request resolves, its deadline passes or ctx is
// done. Timeout and cancellation remove only this request.
func (c *Call) Wait(ctx context.Context) (*Result, error) {
	p := c.pending
	timer := time.NewTimer(time.Until(p.Deadline))
	defer timer.Stop()

	select {
	case <-p.Future.Done():
	case <-timer.C:
		c.client.abandon(p, fmt.Errorf("%s %s: %w", p.Kind, p.ID, ErrTimeout))
	case <-ctx.Done():
		c.client.abandon(p, ctx.Err())
	}
	<-p.Future.Done()
	return p.Future.Result()
}

// Client is the command client. It holds at most one pending request.
type Client struct {
	cfg        Config
	sender     Sender
	session    SessionProvider
	sources    []Source
	classifier *classify.Classifier
	now        func() time.Time

	mu     sync.Mutex
	active *PendingRequest
	grids  map[string]*types.Message
	// retired holds message ids already consumed by finished requests; no
	// later request may match them. retiredOrder bounds its size.
	retired      map[string]struct{}
	retiredOrder []string

	startOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config, sender Sender, session SessionProvider, sources ...Source) *Client {
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = defaultGenerateTimeout
	}
	if cfg.UpscaleTimeout <= 0 {
		cfg.UpscaleTimeout = defaultUpscaleTimeout
	}
	if cfg.CommandName == "" {
		cfg.CommandName = "imagine"
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = classify.Default()
	}
	return &Client{
		cfg:        cfg,
		sender:     sender,
		session:    session,
		sources:    sources,
		classifier: classifier,
		now:        time.Now,
		grids:      make(map[string]*types.Message),
		retired:    make(map[string]struct{}),
	}
}

// Start subscribes to every source and feeds inbound events to the pending
// table until ctx is done.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		for _, src := range c.sources {
			sub := src.Subscribe(
				gateway.EventMessageCreate,
				gateway.EventMessageUpdate,
				gateway.EventMessageDelete,
				gateway.EventInteractionCreate,
				gateway.EventInteractionSuccess,
				gateway.EventInteractionFailure,
			)
			c.wg.Add(1)
			go c.consume(ctx, src, sub)
		}
	})
}

// Wait blocks until the listeners started by Start have stopped.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) consume(ctx context.Context, src Source, sub *gateway.Subscription) {
	defer c.wg.Done()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-src.Done():
			if err := src.Err(); err != nil && !errors.Is(err, gateway.ErrClosed) {
				c.failActive(fmt.Errorf("gateway %s: %w", src.Name(), err))
			}
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			c.handle(ev)
		}
	}
}

// Active returns the id of the pending request, if any.
func (c *Client) Active() (types.RequestID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", false
	}
	return c.active.ID, true
}

// Reset forgets recorded grids and fails any pending request, so the next
// job starts from a clean slate.
func (c *Client) Reset() {
	c.mu.Lock()
	p := c.active
	c.active = nil
	if p != nil {
		c.retire(p)
	}
	for id := range c.grids {
		c.retireID(id)
	}
	clear(c.grids)
	c.mu.Unlock()
	if p != nil {
		c.resolve(p, nil, ErrReset)
	}
}

// Grid returns a recorded grid message.
func (c *Client) Grid(id string) (*types.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.grids[id]
	return m, ok
}

// Generate submits prompt and waits for the grid.
func (c *Client) Generate(ctx context.Context, prompt string, opts types.Options) (*Result, error) {
	call, err := c.SubmitGenerate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Upscale submits an upscale of gridID and waits for the image.
func (c *Client) Upscale(ctx context.Context, gridID string, variant int) (*Result, error) {
	call, err := c.SubmitUpscale(ctx, gridID, variant)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// SubmitGenerate registers a pending request and sends the generate command.
func (c *Client) SubmitGenerate(ctx context.Context, prompt string, opts types.Options) (*Call, error) {
	rendered := RenderPrompt(prompt, opts)
	norm := Normalize(rendered)
	p := c.newPending(KindGenerate, c.cfg.GenerateTimeout)
	p.Predicate = func(ev Event) bool {
		m := ev.Observation.Message
		if m == nil {
			return p.messages[ev.Observation.MessageID]
		}
		return p.messages[m.ID] || (c.fromService(m, ev, p) &&
			(p.ownsInteraction(m) || mentionsPrompt(m.Content, norm)))
	}

	session, err := c.session.SessionID()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	if err := c.register(p); err != nil {
		return nil, err
	}
	payload := c.commandPayload(session, p.Nonce, rendered)
	slog.Info("submitting generate", "request_id", p.ID, "session_id", string(session), "nonce", p.Nonce)
	return c.send(ctx, p, payload)
}

// SubmitUpscale registers a pending request and presses the variant button
// of a recorded grid.
func (c *Client) SubmitUpscale(ctx context.Context, gridID string, variant int) (*Call, error) {
	grid, ok := c.Grid(gridID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGrid, gridID)
	}
	customID, ok := FindVariant(grid.Buttons(), variant)
	if !ok {
		return nil, fmt.Errorf("%w: %d on %s", ErrNoSuchVariant, variant, gridID)
	}

	p := c.newPending(KindUpscale, c.cfg.UpscaleTimeout)
	p.variant = variant
	p.gridID = gridID
	p.Predicate = func(ev Event) bool {
		m := ev.Observation.Message
		if m == nil {
			return p.messages[ev.Observation.MessageID]
		}
		if p.messages[m.ID] {
			return true
		}
		if m.ID == gridID || !c.fromService(m, ev, p) {
			return false
		}
		if p.ownsInteraction(m) {
			return true
		}
		return m.MessageReference != nil && m.MessageReference.MessageID == gridID &&
			mentionsVariant(m.Content, variant)
	}

	session, err := c.session.SessionID()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	if err := c.register(p); err != nil {
		return nil, err
	}
	payload := c.componentPayload(session, p.Nonce, grid, customID)
	slog.Info("submitting upscale", "request_id", p.ID, "grid_id", gridID, "variant", variant, "session_id", string(session))
	return c.send(ctx, p, payload)
}

func (c *Client) newPending(kind RequestKind, timeout time.Duration) *PendingRequest {
	now := c.now()
	return &PendingRequest{
		ID:        types.NewRequestID(),
		Kind:      kind,
		Nonce:     types.NewNonce(),
		Future:    NewFuture(),
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		history:   classify.NewHistory(),
		messages:  make(map[string]bool),
	}
}

// register claims the single slot.
func (c *Client) register(p *PendingRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return fmt.Errorf("%w: %s %s", ErrBusy, c.active.Kind, c.active.ID)
	}
	c.active = p
	return nil
}

func (c *Client) send(ctx context.Context, p *PendingRequest, payload interactionPayload) (*Call, error) {
	_, err := c.sender.Send(ctx, &dispatch.Request{
		Method: http.MethodPost,
		Path:   interactionsPath,
		Body:   payload,
		Bucket: "interactions",
	})
	if err != nil {
		err = fmt.Errorf("send %s interaction: %w", p.Kind, err)
		c.abandon(p, err)
		return nil, err
	}
	return &Call{client: c, pending: p}, nil
}

// abandon removes p if it is still active and resolves it with err.
func (c *Client) abandon(p *PendingRequest, err error) {
	c.mu.Lock()
	if c.active != p {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.retire(p)
	c.mu.Unlock()
	slog.Warn("pending request abandoned", "request_id", p.ID, "kind", p.Kind, "error", err)
	c.resolve(p, nil, err)
}

func (c *Client) failActive(err error) {
	c.mu.Lock()
	p := c.active
	c.active = nil
	if p != nil {
		c.retire(p)
	}
	c.mu.Unlock()
	if p != nil {
		slog.Error("failing pending request", "request_id", p.ID, "error", err)
		c.resolve(p, nil, err)
	}
}

func (c *Client) resolve(p *PendingRequest, res *Result, err error) {
	if rerr := p.Future.Resolve(res, err); rerr != nil {
		slog.Error("double resolution of pending request", "request_id", p.ID, "error", rerr)
	}
}

func (c *Client) fromService(m *types.Message, ev Event, p *PendingRequest) bool {
	if c.cfg.ServiceAuthorID != "" && m.Author.ID != c.cfg.ServiceAuthorID {
		return false
	}
	if c.cfg.ChannelID != "" && m.ChannelID != "" && m.ChannelID != c.cfg.ChannelID {
		return false
	}
	return !ev.ReceivedAt.Before(p.CreatedAt)
}

func (p *PendingRequest) ownsInteraction(m *types.Message) bool {
	if m.Nonce != "" && m.Nonce == string(p.Nonce) {
		return true
	}
	return p.interactionID != "" && m.Interaction != nil && m.Interaction.ID == p.interactionID
}

type interactionEvent struct {
	ID    string `json:"id"`
	Nonce string `json:"nonce"`
}

type deleteEvent struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

func (c *Client) handle(ev gateway.Event) {
	received := ev.ReceivedAt
	if received.IsZero() {
		received = c.now()
	}

	switch ev.Kind {
	case gateway.EventInteractionCreate, gateway.EventInteractionSuccess, gateway.EventInteractionFailure:
		var ie interactionEvent
		if err := json.Unmarshal(ev.Data, &ie); err != nil {
			slog.Warn("dropping undecodable interaction event", "conn", ev.Conn, "error", err)
			return
		}
		c.handleInteraction(ev.Kind, ie)
		return
	}

	obs := classify.Observation{}
	switch ev.Kind {
	case gateway.EventMessageCreate, gateway.EventMessageUpdate:
		var m types.Message
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			slog.Warn("dropping undecodable message event", "conn", ev.Conn, "kind", ev.Kind, "error", err)
			return
		}
		obs.Kind = classify.Created
		if ev.Kind == gateway.EventMessageUpdate {
			obs.Kind = classify.Updated
		}
		obs.Message = &m
		obs.MessageID = m.ID
	case gateway.EventMessageDelete:
		var d deleteEvent
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			slog.Warn("dropping undecodable delete event", "conn", ev.Conn, "error", err)
			return
		}
		obs.Kind = classify.Deleted
		obs.MessageID = d.ID
	default:
		return
	}
	c.offer(Event{Source: ev.Conn, Observation: obs, ReceivedAt: received})
}

func (c *Client) handleInteraction(kind string, ie interactionEvent) {
	c.mu.Lock()
	p := c.active
	if p == nil || ie.Nonce == "" || ie.Nonce != string(p.Nonce) {
		c.mu.Unlock()
		return
	}
	if kind != gateway.EventInteractionFailure {
		p.interactionID = ie.ID
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.retire(p)
	c.mu.Unlock()
	c.resolve(p, nil, fmt.Errorf("%w: %s %s", ErrInteractionFailed, p.Kind, p.ID))
}

// offer hands ev to the pending request. The first terminal match removes the
// request from the table before resolving it.
func (c *Client) offer(ev Event) {
	c.mu.Lock()
	if m := ev.Observation.Message; m != nil {
		if _, ok := c.grids[m.ID]; ok && ev.Observation.Kind == classify.Updated && len(m.Components) > 0 {
			c.grids[m.ID] = m
		}
	}
	p := c.active
	if p == nil || c.isRetired(ev.Observation.MessageID) || !p.Predicate(ev) {
		c.mu.Unlock()
		return
	}
	if id := ev.Observation.MessageID; id != "" {
		p.messages[id] = true
	}
	out := c.classifier.Classify(p.history, ev.Observation)
	if !out.Terminal() {
		c.mu.Unlock()
		if out.Kind == classify.JobQueued {
			slog.Info("job queued by service", "request_id", p.ID, "message_id", out.MessageID)
		} else {
			slog.Debug("request in progress", "request_id", p.ID, "message_id", out.MessageID, "progress", out.Progress)
		}
		return
	}
	c.active = nil
	c.retire(p)

	res := &Result{RequestID: p.ID, Kind: p.Kind, Outcome: out, Message: out.Message, Variant: p.variant, GridID: p.gridID}
	if out.Kind == classify.Success && out.Message != nil {
		if img, ok := out.Message.Image(); ok {
			res.ImageURL = img.URL
		}
		if p.Kind == KindGenerate {
			c.grids[out.Message.ID] = out.Message
			res.GridID = out.Message.ID
		}
	}
	c.mu.Unlock()

	slog.Info("request resolved", "request_id", p.ID, "kind", p.Kind, "outcome", out.Kind, "message_id", out.MessageID, "source", ev.Source)
	c.resolve(p, res, out.Err())
}

// retire marks every message p consumed as off limits. c.mu must be held.
func (c *Client) retire(p *PendingRequest) {
	for id := range p.messages {
		c.retireID(id)
	}
}

func (c *Client) retireID(id string) {
	if id == "" {
		return
	}
	if _, ok := c.retired[id]; ok {
		return
	}
	c.retired[id] = struct{}{}
	c.retiredOrder = append(c.retiredOrder, id)
	if len(c.retiredOrder) > maxRetired {
		delete(c.retired, c.retiredOrder[0])
		c.retiredOrder = c.retiredOrder[1:]
	}
}

func (c *Client) isRetired(id string) bool {
	_, ok := c.retired[id]
	return ok
}
