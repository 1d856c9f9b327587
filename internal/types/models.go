package types

import (
	"strings"
	"time"
)

// Message flag bits used by the platform.
const (
	FlagEphemeral = 1 << 6
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// IsImage reports whether the attachment looks like a rendered image.
func (a Attachment) IsImage() bool {
	if strings.HasPrefix(a.ContentType, "image/") {
		return true
	}
	name := strings.ToLower(a.Filename)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".webp", ".gif"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Component is a message component. Type 1 is an action row holding nested
// components, type 2 is a button.
type Component struct {
	Type       int         `json:"type"`
	CustomID   string      `json:"custom_id,omitempty"`
	Label      string      `json:"label,omitempty"`
	Style      int         `json:"style,omitempty"`
	Components []Component `json:"components,omitempty"`
}

type MessageReference struct {
	MessageID string `json:"message_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

type MessageInteraction struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is the subset of a chat message the correlation layer inspects.
type Message struct {
	ID               string              `json:"id"`
	ChannelID        string              `json:"channel_id"`
	GuildID          string              `json:"guild_id,omitempty"`
	Author           User                `json:"author"`
	Content          string              `json:"content"`
	Flags            int                 `json:"flags,omitempty"`
	Nonce            string              `json:"nonce,omitempty"`
	Attachments      []Attachment        `json:"attachments,omitempty"`
	Embeds           []Embed             `json:"embeds,omitempty"`
	Components       []Component         `json:"components,omitempty"`
	MessageReference *MessageReference   `json:"message_reference,omitempty"`
	Interaction      *MessageInteraction `json:"interaction,omitempty"`
	EditedTimestamp  *time.Time          `json:"edited_timestamp,omitempty"`
}

// Buttons flattens action rows into the list of buttons on the message.
func (m *Message) Buttons() []Component {
	var out []Component
	var walk func([]Component)
	walk = func(cs []Component) {
		for _, c := range cs {
			if c.Type == 2 {
				out = append(out, c)
			}
			walk(c.Components)
		}
	}
	walk(m.Components)
	return out
}

// Image returns the first image attachment, if any.
func (m *Message) Image() (Attachment, bool) {
	for _, a := range m.Attachments {
		if a.IsImage() {
			return a, true
		}
	}
	return Attachment{}, false
}

// Text joins content and embed text for pattern matching.
func (m *Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Content)
	for _, e := range m.Embeds {
		if e.Title != "" {
			b.WriteString("\n")
			b.WriteString(e.Title)
		}
		if e.Description != "" {
			b.WriteString("\n")
			b.WriteString(e.Description)
		}
	}
	return b.String()
}

// Options are the generation parameters rendered into the prompt.
type Options struct {
	ModelVersion string   `json:"model_version,omitempty"`
	AspectRatio  string   `json:"aspect_ratio,omitempty"`
	Seed         *int64   `json:"seed,omitempty"`
	Quality      string   `json:"quality,omitempty"`
	StyleFlags   []string `json:"style_flags,omitempty"`
}

// Variation is a named preset under which one full generate+upscale job runs.
// Its Options override the post options field by field.
type Variation struct {
	Name    string  `json:"name"`
	Options Options `json:"options"`
}

// Apply layers v over base.
func (v Variation) Apply(base Options) Options {
	out := base
	if v.Options.ModelVersion != "" {
		out.ModelVersion = v.Options.ModelVersion
	}
	if v.Options.AspectRatio != "" {
		out.AspectRatio = v.Options.AspectRatio
	}
	if v.Options.Seed != nil {
		out.Seed = v.Options.Seed
	}
	if v.Options.Quality != "" {
		out.Quality = v.Options.Quality
	}
	if len(v.Options.StyleFlags) > 0 {
		out.StyleFlags = append(append([]string{}, base.StyleFlags...), v.Options.StyleFlags...)
	}
	return out
}

// Post is one submission: a prompt run under every listed variation.
type Post struct {
	ID         PostID      `json:"id"`
	ChannelID  string      `json:"channel_id,omitempty"`
	Prompt     string      `json:"prompt"`
	Options    Options     `json:"options"`
	Variations []Variation `json:"variations"`
	Notify     string      `json:"notify,omitempty"`
}

type UpscaleResult struct {
	Variant      int         `json:"variant"`
	MessageID    string      `json:"message_id"`
	ImageURL     string      `json:"image_url"`
	ParentGridID string      `json:"parent_grid_id"`
	Artifact     ArtifactRef `json:"artifact,omitempty"`
}

// JobState is a state of the generation job lifecycle.
type JobState string

const (
	JobIdle            JobState = "idle"
	JobDispatching     JobState = "dispatching"
	JobAwaitingGrid    JobState = "awaiting_grid"
	JobGridReady       JobState = "grid_ready"
	JobAwaitingUpscale JobState = "awaiting_upscale"
	JobComplete        JobState = "complete"
	JobFailed          JobState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// Failure describes why a job stopped.
type Failure struct {
	Kind      string `json:"kind"`
	MessageID string `json:"message_id,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
	Error     string `json:"error"`
}

// JobRecord is what gets persisted about one (post, variation) run.
type JobRecord struct {
	JobID         JobID               `json:"job_id"`
	PostID        PostID              `json:"post_id"`
	Variation     string              `json:"variation"`
	Prompt        string              `json:"prompt"`
	State         JobState            `json:"state"`
	GridMessageID string              `json:"grid_message_id,omitempty"`
	GridArtifact  ArtifactRef         `json:"grid_artifact,omitempty"`
	Upscales      map[int]ArtifactRef `json:"upscales,omitempty"`
	Failure       *Failure            `json:"failure,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type ArtifactMeta struct {
	Ref       ArtifactRef `json:"ref"`
	JobID     JobID       `json:"job_id"`
	Kind      string      `json:"kind"`
	Variant   int         `json:"variant,omitempty"`
	SourceURL string      `json:"source_url,omitempty"`
	MimeType  string      `json:"mime_type,omitempty"`
	Size      int         `json:"size"`
	CreatedAt time.Time   `json:"created_at"`
}

// JobEvent is one entry in a job's audit log.
type JobEvent struct {
	JobID   JobID     `json:"job_id"`
	Seq     int64     `json:"seq"`
	At      time.Time `json:"at"`
	From    JobState  `json:"from"`
	To      JobState  `json:"to"`
	Variant int       `json:"variant,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}
