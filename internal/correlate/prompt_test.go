package correlate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/user/gridclaw/internal/types"
)

func TestRenderPrompt(t *testing.T) {
	seed := int64(1234)
	tests := []struct {
		name string
		opts types.Options
		want string
	}{
		{"plain", types.Options{}, "a cat"},
		{"version and square", types.Options{ModelVersion: "v6", AspectRatio: "square"}, "a cat --v 6 --ar 1:1"},
		{"portrait", types.Options{AspectRatio: "Portrait"}, "a cat --ar 2:3"},
		{"landscape", types.Options{AspectRatio: "landscape"}, "a cat --ar 3:2"},
		{"literal ratio", types.Options{AspectRatio: "16:9"}, "a cat --ar 16:9"},
		{"seed and quality", types.Options{Seed: &seed, Quality: "2"}, "a cat --seed 1234 --q 2"},
		{"style flags", types.Options{StyleFlags: []string{"raw", "--tile", ""}}, "a cat --style raw --tile"},
		{"bare version", types.Options{ModelVersion: "5.2"}, "a cat --v 5.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderPrompt("  a cat ", tt.opts))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a cat playing a piano digital art style", Normalize("A cat playing a piano, digital-art  style!"))
	assert.Equal(t, "a cat v 6 42 fast", Normalize("**a cat --v 6** - <@42> (fast)"))
	assert.Equal(t, "", Normalize("  ** -- "))
}

func TestMentionsPrompt(t *testing.T) {
	norm := Normalize("a cat playing a piano, digital art style")
	assert.True(t, mentionsPrompt("**a cat playing a piano, digital art style --v 6 --ar 1:1** - <@1> (fast)", norm))
	assert.False(t, mentionsPrompt("**a cat playing a pianola** - <@1>", norm))
	assert.False(t, mentionsPrompt("anything", ""))
}

func TestMentionsVariant(t *testing.T) {
	assert.True(t, mentionsVariant("**x** - Image #2 <@1>", 2))
	assert.False(t, mentionsVariant("**x** - Image #2 <@1>", 3))
	assert.True(t, mentionsVariant("**x** - Upscaled by <@1> (fast)", 4))
}
