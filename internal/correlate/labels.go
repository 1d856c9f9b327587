package correlate

import (
	"strconv"
	"strings"

	"github.com/user/gridclaw/internal/types"
)

// descriptiveLabels maps the wording-style button labels onto variants.
var descriptiveLabels = map[string]int{
	"upscale (subtle)":   1,
	"upscale (creative)": 2,
}

// NormalizeLabel maps a button label to an upscale variant in 1..4. It
// accepts canonical "U1".."U4", bare "1".."4" and the descriptive labels.
func NormalizeLabel(label string) (int, bool) {
	s := strings.ToLower(strings.TrimSpace(label))
	if v, ok := descriptiveLabels[s]; ok {
		return v, true
	}
	s = strings.TrimPrefix(s, "u")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 4 {
		return 0, false
	}
	return n, true
}

// variantFromCustomID reads the variant out of ids shaped like
// "MJ::JOB::upsample::2::<hash>".
func variantFromCustomID(id string) (int, bool) {
	parts := strings.Split(id, "::")
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(parts[i], "upsample") {
			n, err := strconv.Atoi(parts[i+1])
			if err == nil && n >= 1 && n <= 4 {
				return n, true
			}
		}
	}
	return 0, false
}

// FindVariant returns the custom id of the button for variant. Labels win
// over custom ids when both are present.
func FindVariant(buttons []types.Component, variant int) (string, bool) {
	for _, b := range buttons {
		if b.CustomID == "" {
			continue
		}
		if v, ok := NormalizeLabel(b.Label); ok && v == variant {
			return b.CustomID, true
		}
	}
	for _, b := range buttons {
		if v, ok := variantFromCustomID(b.CustomID); ok && v == variant {
			return b.CustomID, true
		}
	}
	return "", false
}
