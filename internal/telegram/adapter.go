package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gridclaw/internal/types"
)

const (
	maxTelegramMessage = 4096
	targetPrefix       = "telegram:"
)

var ErrBadTarget = errors.New("invalid telegram target")

// SubmitFunc queues a post.
type SubmitFunc func(post *types.Post) error

// StatusFunc reports service state for /status.
type StatusFunc func() map[string]any

// botAPI is the part of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Config struct {
	Token string
	// AllowedChats restricts commands to these chats. Empty allows all.
	AllowedChats []int64
	// ChannelID is stamped on submitted posts.
	ChannelID string
}

// Adapter takes /imagine and /status commands from Telegram and delivers
// job summaries back to chats.
type Adapter struct {
	bot    botAPI
	cfg    Config
	submit SubmitFunc
	status StatusFunc
}

func New(cfg Config, submit SubmitFunc, status StatusFunc) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newAdapter(bot, cfg, submit, status), nil
}

func newAdapter(bot botAPI, cfg Config, submit SubmitFunc, status StatusFunc) *Adapter {
	return &Adapter{bot: bot, cfg: cfg, submit: submit, status: status}
}

// Start long-polls for updates until ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// Deliver sends message to the chat named by a "telegram:<chat id>" target.
func (a *Adapter) Deliver(_ context.Context, target, message string) error {
	chatID, err := parseTarget(target)
	if err != nil {
		return err
	}
	return a.sendResponse(chatID, message)
}

func (a *Adapter) allowed(chatID int64) bool {
	return len(a.cfg.AllowedChats) == 0 || slices.Contains(a.cfg.AllowedChats, chatID)
}

func (a *Adapter) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !a.allowed(chatID) {
		slog.Warn("ignoring message from unlisted chat", "chat_id", chatID)
		return
	}
	if !msg.IsCommand() {
		a.reply(chatID, usage)
		return
	}

	switch msg.Command() {
	case "start", "help":
		a.reply(chatID, usage)

	case "imagine":
		prompt, opts := parseImagine(msg.CommandArguments())
		if prompt == "" {
			a.reply(chatID, "Usage: /imagine <prompt> [--ar 3:2] [--v 6] [--seed 1] [--q 1] [--style raw]")
			return
		}
		post := &types.Post{
			ID:        types.NewPostID(),
			ChannelID: a.cfg.ChannelID,
			Prompt:    prompt,
			Options:   opts,
			Notify:    targetPrefix + strconv.FormatInt(chatID, 10),
		}
		if err := a.submit(post); err != nil {
			slog.Error("telegram submit failed", "chat_id", chatID, "error", err)
			a.reply(chatID, "Could not queue the job: "+err.Error())
			return
		}
		a.reply(chatID, fmt.Sprintf("Queued post %s", post.ID))

	case "status":
		a.reply(chatID, formatStatus(a.status))

	default:
		a.reply(chatID, "Unknown command. Available: /imagine, /status")
	}
}

const usage = "Send /imagine <prompt> to render a grid and its four upscales. /status shows the connections and queue."

func (a *Adapter) reply(chatID int64, text string) {
	if err := a.sendResponse(chatID, text); err != nil {
		slog.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	}
	return nil
}

func formatStatus(status StatusFunc) string {
	if status == nil {
		return "No status available."
	}
	values := status()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, values[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func parseTarget(target string) (int64, error) {
	rest, ok := strings.CutPrefix(target, targetPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrBadTarget, target)
	}
	chatID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrBadTarget, target)
	}
	return chatID, nil
}

// parseImagine splits "/imagine" arguments into the prompt and the option
// flags it understands. Unknown flags stay in the prompt.
func parseImagine(args string) (string, types.Options) {
	var opts types.Options
	var words []string
	fields := strings.Fields(args)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if i+1 >= len(fields) {
			words = append(words, f)
			continue
		}
		val := fields[i+1]
		switch f {
		case "--ar", "--aspect":
			opts.AspectRatio = val
		case "--v", "--version":
			opts.ModelVersion = val
		case "--q", "--quality":
			opts.Quality = val
		case "--style":
			opts.StyleFlags = append(opts.StyleFlags, val)
		case "--seed":
			seed, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				words = append(words, f)
				continue
			}
			opts.Seed = &seed
		default:
			words = append(words, f)
			continue
		}
		i++
	}
	return strings.Join(words, " "), opts
}
