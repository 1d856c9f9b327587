package correlate

import (
	"github.com/user/gridclaw/internal/types"
)

const (
	interactionCommand   = 2
	interactionComponent = 3

	componentButton = 2
	optionString    = 3
)

type interactionPayload struct {
	Type          int             `json:"type"`
	ApplicationID string          `json:"application_id"`
	GuildID       string          `json:"guild_id,omitempty"`
	ChannelID     string          `json:"channel_id"`
	MessageID     string          `json:"message_id,omitempty"`
	MessageFlags  *int            `json:"message_flags,omitempty"`
	SessionID     types.SessionID `json:"session_id"`
	Nonce         types.Nonce     `json:"nonce"`
	Data          any             `json:"data"`
}

type commandData struct {
	Version string          `json:"version"`
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Type    int             `json:"type"`
	Options []commandOption `json:"options"`
}

type commandOption struct {
	Type  int    `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

type componentData struct {
	ComponentType int    `json:"component_type"`
	CustomID      string `json:"custom_id"`
}

func (c *Client) commandPayload(session types.SessionID, nonce types.Nonce, prompt string) interactionPayload {
	return interactionPayload{
		Type:          interactionCommand,
		ApplicationID: c.cfg.ApplicationID,
		GuildID:       c.cfg.GuildID,
		ChannelID:     c.cfg.ChannelID,
		SessionID:     session,
		Nonce:         nonce,
		Data: commandData{
			Version: c.cfg.CommandVersion,
			ID:      c.cfg.CommandID,
			Name:    c.cfg.CommandName,
			Type:    1,
			Options: []commandOption{{Type: optionString, Name: "prompt", Value: prompt}},
		},
	}
}

func (c *Client) componentPayload(session types.SessionID, nonce types.Nonce, grid *types.Message, customID string) interactionPayload {
	flags := grid.Flags
	return interactionPayload{
		Type:          interactionComponent,
		ApplicationID: c.cfg.ApplicationID,
		GuildID:       c.cfg.GuildID,
		ChannelID:     c.cfg.ChannelID,
		MessageID:     grid.ID,
		MessageFlags:  &flags,
		SessionID:     session,
		Nonce:         nonce,
		Data:          componentData{ComponentType: componentButton, CustomID: customID},
	}
}
