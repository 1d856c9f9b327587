package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/gridclaw/internal/orchestrator"
	"github.com/user/gridclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(imagineCmd)
	addOptionFlags(imagineCmd)
	imagineCmd.Flags().String("notify", "", "notifier target for the summary, e.g. telegram:123")
}

var imagineCmd = &cobra.Command{
	Use:   "imagine <prompt>",
	Short: "Generate a grid and its upscales, then exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		opts, variations, err := readOptions(cmd)
		if err != nil {
			return err
		}
		notifyTarget, _ := cmd.Flags().GetString("notify")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.close()

		post := &types.Post{
			ID:         types.NewPostID(),
			ChannelID:  cfg.Service.ChannelID,
			Prompt:     strings.Join(args, " "),
			Options:    opts,
			Variations: variations,
			Notify:     notifyTarget,
		}
		jobs, runErr := s.orch.RunPost(ctx, post)
		fmt.Fprintln(os.Stdout, orchestrator.Summarize(post, jobs, runErr))
		for _, j := range jobs {
			if j.State != types.JobComplete {
				return fmt.Errorf("post %s did not complete", post.ID)
			}
		}
		return runErr
	},
}
