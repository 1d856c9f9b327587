package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/gridclaw/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("gridclaw setup")
		fmt.Println("Press Enter to keep the value shown in brackets.")
		fmt.Println()

		cfg.User.Token = prompt(scanner, "User account token", "user.token", cfg.User.Token)
		cfg.Service.GuildID = prompt(scanner, "Guild ID", "service.guild_id", cfg.Service.GuildID)
		cfg.Service.ChannelID = prompt(scanner, "Channel ID", "service.channel_id", cfg.Service.ChannelID)
		cfg.Service.CommandID = prompt(scanner, "Generate command ID", "service.command_id", cfg.Service.CommandID)
		cfg.Service.CommandVersion = prompt(scanner, "Generate command version", "service.command_version", cfg.Service.CommandVersion)

		// optional
		cfg.Bot.Token = prompt(scanner, "Observer bot token (optional)", "bot.token", cfg.Bot.Token)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", "telegram.token", cfg.Telegram.Token)
		cfg.Notify = prompt(scanner, "Default notify target (optional)", "notify", cfg.Notify)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		if err := cfg.Validate(); err != nil {
			fmt.Println("Still missing:", err)
		}
		return nil
	},
}

// prompt shows label with the current value of key and reads a line. An
// empty line keeps the current value.
func prompt(scanner *bufio.Scanner, label, key, current string) string {
	shown := config.MaskValue(key, current)
	if current != "" {
		fmt.Printf("%s [%s]: ", label, shown)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		if input := strings.TrimSpace(scanner.Text()); input != "" {
			return input
		}
	}
	return current
}
