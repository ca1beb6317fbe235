package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/patientline/internal/config"
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

		fmt.Println("PatientLine Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.OpenAI.APIKey = prompt(scanner, "OpenAI API key", cfg.OpenAI.APIKey)
		cfg.OpenAI.Model = prompt(scanner, "Realtime model", cfg.OpenAI.Model)
		cfg.OpenAI.Voice = prompt(scanner, "Agent voice", cfg.OpenAI.Voice)
		cfg.Credential.URL = prompt(scanner, "External credential URL (optional)", cfg.Credential.URL)
		cfg.Records.Endpoint = prompt(scanner, "Patient records endpoint", cfg.Records.Endpoint)
		cfg.HTTP.Listen = prompt(scanner, "Listen address", cfg.HTTP.Listen)

		maxStr := prompt(scanner, "Max concurrent sessions", strconv.Itoa(cfg.MaxSessions))
		if n, err := strconv.Atoi(maxStr); err == nil && n > 0 {
			cfg.MaxSessions = n
		}

		cfg.CompanyName = prompt(scanner, "Company name (used by the guardrail)", cfg.CompanyName)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			chats := prompt(scanner, "Telegram chat IDs for follow-ups, comma separated", strings.Join(chatIDs(cfg.Telegram.FollowUpTargets), ","))
			cfg.Telegram.FollowUpTargets = followUpTargets(chats)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func chatIDs(targets []string) []string {
	var ids []string
	for _, t := range targets {
		if id, ok := strings.CutPrefix(t, "telegram:"); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func followUpTargets(chats string) []string {
	var targets []string
	for _, id := range strings.Split(chats, ",") {
		if id = strings.TrimSpace(id); id != "" {
			targets = append(targets, "telegram:"+id)
		}
	}
	return targets
}
