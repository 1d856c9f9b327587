package orchestrator

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

	"github.com/user/gridclaw/internal/correlate"
	"github.com/user/gridclaw/internal/dispatch"
	"github.com/user/gridclaw/internal/gateway"
	"github.com/user/gridclaw/internal/state"
	"github.com/user/gridclaw/internal/types"
)

const (
	serviceAuthor = "936929561302675456"
	channelID     = "chan-1"
)

// fakeSource is a gateway event stream fed by the fake service.
type fakeSource struct {
	router *gateway.Router
	done   chan struct{}
}

func (s *fakeSource) Name() string { return "user" }
func (s *fakeSource) Subscribe(kinds ...string) *gateway.Subscription {
	return s.router.Subscribe(kinds...)
}
func (s *fakeSource) Done() <-chan struct{} { return s.done }
func (s *fakeSource) Err() error            { return nil }
func (s *fakeSource) SessionID() (types.SessionID, error) {
	return "a0123456789abcdef0123456789abcde", nil
}

func (s *fakeSource) publish(kind string, m any) {
	data, _ := json.Marshal(m)
	s.router.Publish(gateway.Event{Conn: "user", Kind: kind, ReceivedAt: time.Now(), Data: data})
}

// behavior decides how the fake service answers a generate command. n is the
// 1-based count of generate commands received so far.
type behavior func(svc *fakeService, prompt string, n int)

// fakeService accepts interactions over HTTP and answers on the gateway the
// way the generation service does.
type fakeService struct {
	t        *testing.T
	src      *fakeSource
	api      *httptest.Server
	cdn      *httptest.Server
	generate behavior
	status   int

	mu        sync.Mutex
	payloads  []map[string]any
	generates int
	msgSeq    atomic.Int64
	prompts   map[string]string
	finals    map[string]types.Message
}

func newFakeService(t *testing.T, generate behavior) *fakeService {
	t.Helper()
	svc := &fakeService{
		t:        t,
		src:      &fakeSource{router: gateway.NewRouter(), done: make(chan struct{})},
		generate: generate,
		status:   http.StatusNoContent,
		prompts:  make(map[string]string),
		finals:   make(map[string]types.Message),
	}
	svc.cdn = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png:" + r.URL.Path))
	}))
	svc.api = httptest.NewServer(http.HandlerFunc(svc.handle))
	t.Cleanup(func() {
		svc.api.Close()
		svc.cdn.Close()
		svc.src.router.Close()
	})
	return svc
}

func (svc *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/interactions" {
		http.NotFound(w, r)
		return
	}
	if svc.status >= 400 {
		w.WriteHeader(svc.status)
		w.Write([]byte(`{"message":"nope"}`))
		return
	}
	var p map[string]any
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	svc.mu.Lock()
	svc.payloads = append(svc.payloads, p)
	svc.mu.Unlock()

	data := p["data"].(map[string]any)
	switch int(p["type"].(float64)) {
	case 2:
		prompt := data["options"].([]any)[0].(map[string]any)["value"].(string)
		svc.mu.Lock()
		svc.generates++
		n := svc.generates
		svc.mu.Unlock()
		svc.generate(svc, prompt, n)
	case 3:
		svc.upscale(p["message_id"].(string), data["custom_id"].(string))
	}
	w.WriteHeader(svc.status)
}

func (svc *fakeService) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, svc.msgSeq.Add(1))
}

func (svc *fakeService) message(id, content string) types.Message {
	return types.Message{ID: id, ChannelID: channelID, Author: types.User{ID: serviceAuthor, Bot: true}, Content: content}
}

// grid answers with progress followed by a finished grid.
func (svc *fakeService) grid(prompt string) string {
	id := svc.nextID("grid")
	svc.src.publish(gateway.EventMessageCreate, svc.message(id, fmt.Sprintf("**%s** - <@42> (Waiting to start)", prompt)))
	svc.src.publish(gateway.EventMessageUpdate, svc.message(id, fmt.Sprintf("**%s** - <@42> (37%%) (fast)", prompt)))

	m := svc.message(id, fmt.Sprintf("**%s** - <@42> (fast)", prompt))
	m.Attachments = []types.Attachment{{ID: "att-" + id, Filename: id + ".png", URL: svc.cdn.URL + "/" + id + ".png"}}
	row := types.Component{Type: 1}
	for v := 1; v <= 4; v++ {
		row.Components = append(row.Components, types.Component{Type: 2, Label: fmt.Sprintf("U%d", v), CustomID: fmt.Sprintf("MJ::JOB::upsample::%d::%s", v, id)})
	}
	m.Components = []types.Component{row}
	svc.mu.Lock()
	svc.prompts[id] = prompt
	svc.finals[id] = m
	svc.mu.Unlock()
	svc.src.publish(gateway.EventMessageUpdate, m)
	return id
}

// final returns the finished grid message published under id.
func (svc *fakeService) final(id string) types.Message {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.finals[id]
}

func (svc *fakeService) upscale(gridID, customID string) {
	var variant int
	parts := strings.Split(customID, "::")
	fmt.Sscanf(parts[3], "%d", &variant)
	svc.mu.Lock()
	prompt := svc.prompts[gridID]
	svc.mu.Unlock()

	id := svc.nextID("up")
	m := svc.message(id, fmt.Sprintf("**%s** - Image #%d <@42>", prompt, variant))
	m.MessageReference = &types.MessageReference{MessageID: gridID, ChannelID: channelID}
	m.Attachments = []types.Attachment{{ID: "att-" + id, Filename: id + ".png", URL: svc.cdn.URL + "/" + id + ".png"}}
	svc.src.publish(gateway.EventMessageCreate, m)
}

func (svc *fakeService) sent() []map[string]any {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]map[string]any(nil), svc.payloads...)
}

func (svc *fakeService) count(kind int) int {
	n := 0
	for _, p := range svc.sent() {
		if int(p["type"].(float64)) == kind {
			n++
		}
	}
	return n
}

func alwaysGrid(svc *fakeService, prompt string, _ int) {
	svc.grid(prompt)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages map[string][]string
}

func (n *recordingNotifier) Deliver(_ context.Context, target, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.messages == nil {
		n.messages = make(map[string][]string)
	}
	n.messages[target] = append(n.messages[target], message)
	return nil
}

type stack struct {
	svc       *fakeService
	client    *correlate.Client
	orch      *Orchestrator
	records   *state.JobRecordStore
	events    *state.EventLog
	artifacts *state.ArtifactStore
	notifier  *recordingNotifier
}

func newStack(t *testing.T, generate behavior, cfg Config) *stack {
	t.Helper()
	svc := newFakeService(t, generate)
	d := dispatch.New(dispatch.Config{
		BaseURL: svc.api.URL,
		Token:   "user-token",
		Policy:  &dispatch.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
	})
	client := correlate.New(correlate.Config{
		ApplicationID:   "app",
		ChannelID:       channelID,
		ServiceAuthorID: serviceAuthor,
		GenerateTimeout: 2 * time.Second,
		UpscaleTimeout:  2 * time.Second,
	}, d, svc.src, svc.src)
	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx)
	t.Cleanup(func() {
		cancel()
		client.Wait()
	})

	root := t.TempDir()
	s := &stack{
		svc:       svc,
		client:    client,
		records:   state.NewJobRecordStore(root),
		events:    state.NewEventLog(root),
		artifacts: state.NewArtifactStore(root),
		notifier:  &recordingNotifier{},
	}
	fetcher := NewHTTPFetcher()
	fetcher.Policy = &dispatch.RetryPolicy{MaxAttempts: 1}
	s.orch = New(cfg, Deps{
		Client:    client,
		Artifacts: s.artifacts,
		Records:   s.records,
		Events:    s.events,
		Fetcher:   fetcher,
		Notifier:  s.notifier,
	})
	return s
}
