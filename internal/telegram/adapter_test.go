package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gridclaw/internal/types"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	failMD   bool
	updates  chan tgbotapi.Update
	stopped  bool
	sendFail error
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 8)}
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := c.(tgbotapi.MessageConfig)
	if b.sendFail != nil {
		return tgbotapi.Message{}, b.sendFail
	}
	if b.failMD && msg.ParseMode != "" {
		return tgbotapi.Message{}, errors.New("bad markdown")
	}
	b.sent = append(b.sent, msg)
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return b.updates
}

func (b *fakeBot) StopReceivingUpdates() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

func (b *fakeBot) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.sent {
		out = append(out, m.Text)
	}
	return out
}

func command(chatID int64, text string) *tgbotapi.Message {
	cmd, _, _ := strings.Cut(text, " ")
	return &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{ID: 1},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}
}

func TestImagineQueuesPost(t *testing.T) {
	bot := newFakeBot()
	var posts []*types.Post
	a := newAdapter(bot, Config{ChannelID: "chan-1"}, func(p *types.Post) error {
		posts = append(posts, p)
		return nil
	}, nil)

	a.handleMessage(command(42, "/imagine a cat playing a piano --ar 3:2 --v 6 --seed 7"))

	require.Len(t, posts, 1)
	p := posts[0]
	assert.Equal(t, "a cat playing a piano", p.Prompt)
	assert.Equal(t, "3:2", p.Options.AspectRatio)
	assert.Equal(t, "6", p.Options.ModelVersion)
	require.NotNil(t, p.Options.Seed)
	assert.Equal(t, int64(7), *p.Options.Seed)
	assert.Equal(t, "chan-1", p.ChannelID)
	assert.Equal(t, "telegram:42", p.Notify)
	assert.Equal(t, []string{"Queued post " + string(p.ID)}, bot.texts())
}

func TestImagineWithoutPrompt(t *testing.T) {
	bot := newFakeBot()
	called := false
	a := newAdapter(bot, Config{}, func(*types.Post) error { called = true; return nil }, nil)
	a.handleMessage(command(1, "/imagine"))
	assert.False(t, called)
	require.Len(t, bot.texts(), 1)
	assert.Contains(t, bot.texts()[0], "Usage: /imagine")
}

func TestImagineSubmitError(t *testing.T) {
	bot := newFakeBot()
	a := newAdapter(bot, Config{}, func(*types.Post) error { return errors.New("queue stopped") }, nil)
	a.handleMessage(command(1, "/imagine a fox"))
	assert.Equal(t, []string{"Could not queue the job: queue stopped"}, bot.texts())
}

func TestStatusCommand(t *testing.T) {
	bot := newFakeBot()
	a := newAdapter(bot, Config{}, nil, func() map[string]any {
		return map[string]any{"user": "connected", "pending": 0, "active": 1}
	})
	a.handleMessage(command(1, "/status"))
	assert.Equal(t, []string{"active: 1\npending: 0\nuser: connected"}, bot.texts())
}

func TestUnlistedChatIgnored(t *testing.T) {
	bot := newFakeBot()
	called := false
	a := newAdapter(bot, Config{AllowedChats: []int64{7}}, func(*types.Post) error { called = true; return nil }, nil)
	a.handleMessage(command(8, "/imagine a fox"))
	assert.False(t, called)
	assert.Empty(t, bot.texts())

	a.handleMessage(command(7, "/imagine a fox"))
	assert.True(t, called)
}

func TestDeliver(t *testing.T) {
	bot := newFakeBot()
	bot.failMD = true
	a := newAdapter(bot, Config{}, nil, nil)

	require.NoError(t, a.Deliver(context.Background(), "telegram:99", "Post p1: *done*"))
	bot.mu.Lock()
	require.Len(t, bot.sent, 1)
	assert.Equal(t, int64(99), bot.sent[0].ChatID)
	assert.Empty(t, bot.sent[0].ParseMode, "falls back to plain text")
	bot.mu.Unlock()

	assert.ErrorIs(t, a.Deliver(context.Background(), "slack:1", "x"), ErrBadTarget)
	assert.ErrorIs(t, a.Deliver(context.Background(), "telegram:abc", "x"), ErrBadTarget)

	bot.sendFail = errors.New("network")
	assert.Error(t, a.Deliver(context.Background(), "telegram:99", "x"))
}

func TestStartStopsOnCancel(t *testing.T) {
	bot := newFakeBot()
	a := newAdapter(bot, Config{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()

	bot.updates <- tgbotapi.Update{Message: command(3, "/help")}
	require.Eventually(t, func() bool { return len(bot.texts()) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
	bot.mu.Lock()
	assert.True(t, bot.stopped)
	bot.mu.Unlock()
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"Hello world"}, splitMessage("Hello world"))

	parts := splitMessage(strings.Repeat("a", 5000))
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], maxTelegramMessage)
}

func TestParseImagine(t *testing.T) {
	prompt, opts := parseImagine("neon city --style raw --q 2 --seed x --unknown y")
	assert.Equal(t, "neon city --seed x --unknown y", prompt)
	assert.Equal(t, []string{"raw"}, opts.StyleFlags)
	assert.Equal(t, "2", opts.Quality)
	assert.Nil(t, opts.Seed)

	prompt, _ = parseImagine("trailing --ar")
	assert.Equal(t, "trailing --ar", prompt)
}
