package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/gridclaw/internal/types"
)

// addOptionFlags registers the generation option flags shared by imagine and
// task add.
func addOptionFlags(cmd *cobra.Command) {
	cmd.Flags().String("ar", "", "aspect ratio (square, portrait, landscape or W:H)")
	cmd.Flags().String("version", "", "model version, e.g. v6 or niji 6")
	cmd.Flags().String("quality", "", "quality setting")
	cmd.Flags().StringSlice("style", nil, "extra style flags")
	cmd.Flags().Int64("seed", -1, "seed; negative leaves it unset")
	cmd.Flags().StringArray("variation", nil, "variation as name=version, repeatable")
}

func readOptions(cmd *cobra.Command) (types.Options, []types.Variation, error) {
	var opts types.Options
	opts.AspectRatio, _ = cmd.Flags().GetString("ar")
	opts.ModelVersion, _ = cmd.Flags().GetString("version")
	opts.Quality, _ = cmd.Flags().GetString("quality")
	opts.StyleFlags, _ = cmd.Flags().GetStringSlice("style")
	if seed, _ := cmd.Flags().GetInt64("seed"); seed >= 0 {
		opts.Seed = &seed
	}

	raw, _ := cmd.Flags().GetStringArray("variation")
	variations := make([]types.Variation, 0, len(raw))
	for _, r := range raw {
		name, version, ok := strings.Cut(r, "=")
		if !ok || name == "" {
			return opts, nil, fmt.Errorf("invalid variation %q (want name=version)", r)
		}
		variations = append(variations, types.Variation{Name: name, Options: types.Options{ModelVersion: version}})
	}
	return opts, variations, nil
}
