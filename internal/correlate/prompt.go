package correlate

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/user/gridclaw/internal/types"
)

var aspectRatios = map[string]string{
	"square":    "1:1",
	"portrait":  "2:3",
	"landscape": "3:2",
}

// RenderPrompt appends the option flags the generation service understands.
func RenderPrompt(prompt string, opts types.Options) string {
	parts := []string{strings.TrimSpace(prompt)}
	if v := strings.TrimPrefix(strings.TrimSpace(opts.ModelVersion), "v"); v != "" {
		parts = append(parts, "--v "+v)
	}
	if ar := strings.TrimSpace(opts.AspectRatio); ar != "" {
		if mapped, ok := aspectRatios[strings.ToLower(ar)]; ok {
			ar = mapped
		}
		parts = append(parts, "--ar "+ar)
	}
	if opts.Seed != nil {
		parts = append(parts, "--seed "+strconv.FormatInt(*opts.Seed, 10))
	}
	if q := strings.TrimSpace(opts.Quality); q != "" {
		parts = append(parts, "--q "+q)
	}
	for _, f := range opts.StyleFlags {
		f = strings.TrimSpace(f)
		switch {
		case f == "":
		case strings.HasPrefix(f, "--"):
			parts = append(parts, f)
		default:
			parts = append(parts, "--style "+f)
		}
	}
	return strings.Join(parts, " ")
}

// Normalize lowercases s and reduces it to words separated by single
// spaces, dropping markdown and punctuation.
func Normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// mentionsPrompt reports whether content references prompt.
func mentionsPrompt(content, normalizedPrompt string) bool {
	if normalizedPrompt == "" {
		return false
	}
	return strings.Contains(" "+Normalize(content)+" ", " "+normalizedPrompt+" ")
}

// mentionsVariant reports whether an upscale message refers to variant. A
// message that names no image number is taken to refer to any variant.
func mentionsVariant(content string, variant int) bool {
	words := strings.Fields(Normalize(content))
	for i := 0; i+1 < len(words); i++ {
		if words[i] != "image" {
			continue
		}
		if n, err := strconv.Atoi(words[i+1]); err == nil {
			return n == variant
		}
	}
	return true
}
