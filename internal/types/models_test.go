package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageButtonsFlattensRows(t *testing.T) {
	msg := &Message{
		Components: []Component{
			{Type: 1, Components: []Component{
				{Type: 2, Label: "U1", CustomID: "up::1"},
				{Type: 2, Label: "U2", CustomID: "up::2"},
			}},
			{Type: 1, Components: []Component{
				{Type: 2, Label: "V1", CustomID: "var::1"},
			}},
		},
	}
	buttons := msg.Buttons()
	assert.Len(t, buttons, 3)
	assert.Equal(t, "U1", buttons[0].Label)
	assert.Equal(t, "V1", buttons[2].Label)
}

func TestMessageImage(t *testing.T) {
	msg := &Message{Attachments: []Attachment{
		{Filename: "notes.txt"},
		{Filename: "grid_0.PNG", URL: "https://cdn.example/grid_0.png"},
	}}
	img, ok := msg.Image()
	assert.True(t, ok)
	assert.Equal(t, "https://cdn.example/grid_0.png", img.URL)

	_, ok = (&Message{}).Image()
	assert.False(t, ok)
}

func TestMessageTextIncludesEmbeds(t *testing.T) {
	msg := &Message{Content: "hello", Embeds: []Embed{{Title: "Banned prompt detected", Description: "details"}}}
	assert.Equal(t, "hello\nBanned prompt detected\ndetails", msg.Text())
}

func TestVariationApply(t *testing.T) {
	seed := int64(7)
	base := Options{ModelVersion: "6", AspectRatio: "square", StyleFlags: []string{"--tile"}}
	v := Variation{Name: "niji", Options: Options{ModelVersion: "niji 6", Seed: &seed, StyleFlags: []string{"--style raw"}}}

	got := v.Apply(base)
	assert.Equal(t, "niji 6", got.ModelVersion)
	assert.Equal(t, "square", got.AspectRatio)
	assert.Equal(t, &seed, got.Seed)
	assert.Equal(t, []string{"--tile", "--style raw"}, got.StyleFlags)
	assert.Equal(t, []string{"--tile"}, base.StyleFlags)
}

func TestJobStateTerminal(t *testing.T) {
	assert.True(t, JobComplete.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobGridReady.Terminal())
}
