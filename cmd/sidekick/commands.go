package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/sidekick/internal/config"
	"github.com/kalambet/sidekick/internal/storage"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message to the companion",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/chat", map[string]string{"text": text})
		if err != nil {
			return err
		}

		var reply storage.Turn
		if err := decodeJSON(resp, &reply); err != nil {
			return err
		}

		fmt.Println(reply.Text)
		return nil
	},
}

// --- log ---

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the recent conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/turns?limit=%d", limit))
		if err != nil {
			return err
		}

		var turns []storage.Turn
		if err := decodeJSON(resp, &turns); err != nil {
			return err
		}

		if len(turns) == 0 {
			fmt.Println("No conversation yet.")
			return nil
		}

		for _, turn := range turns {
			label := colorize(colorCyan, "you")
			if turn.Role == storage.RoleAssistant {
				label = colorize(colorGreen, "sidekick")
			}
			fmt.Printf("%s  %s\n  %s\n", label, turn.CreatedAt.Local().Format("Jan 2 15:04"), turn.Text)
		}
		return nil
	},
}

func init() {
	logCmd.Flags().Int("limit", 20, "maximum number of turns to show")
}

// --- objective ---

var objectiveCmd = &cobra.Command{
	Use:   "objective",
	Short: "Manage recurring objectives",
}

var objectiveAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add an objective",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.Join(args, " ")
		detail, _ := cmd.Flags().GetString("detail")
		cadence, _ := cmd.Flags().GetString("cadence")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/objectives", map[string]string{
			"title":   title,
			"detail":  detail,
			"cadence": cadence,
		})
		if err != nil {
			return err
		}

		var created storage.Objective
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Added objective %s (%s)", created.Title, created.ID[:8])
		return nil
	},
}

var objectiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List objectives",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/objectives"
		if all {
			path += "?all=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var objectives []storage.Objective
		if err := decodeJSON(resp, &objectives); err != nil {
			return err
		}

		if len(objectives) == 0 {
			fmt.Println("No objectives.")
			return nil
		}

		for _, o := range objectives {
			state := ""
			if !o.Active {
				state = colorize(colorYellow, " (inactive)")
			}
			fmt.Printf("%s  %s [%s]%s\n", colorize(colorCyan, o.ID[:8]), colorize(colorBold, o.Title), o.Cadence, state)
			if o.Detail != "" {
				fmt.Printf("          %s\n", o.Detail)
			}
		}
		return nil
	},
}

var objectiveDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Deactivate an objective",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/objectives/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Objective %s deactivated", args[0])
		return nil
	},
}

var objectiveCheckinCmd = &cobra.Command{
	Use:   "checkin <id>",
	Short: "Record progress against an objective",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/objectives/"+args[0]+"/events", map[string]string{"note": note})
		if err != nil {
			return err
		}

		var ev storage.ObjectiveEvent
		if err := decodeJSON(resp, &ev); err != nil {
			return err
		}

		printSuccess("Recorded check-in for %s", args[0])
		return nil
	},
}

func init() {
	objectiveAddCmd.Flags().String("detail", "", "longer description")
	objectiveAddCmd.Flags().String("cadence", "", "daily or weekly (default daily)")
	objectiveListCmd.Flags().Bool("all", false, "include inactive objectives")
	objectiveCheckinCmd.Flags().String("note", "", "note about the progress")

	objectiveCmd.AddCommand(objectiveAddCmd)
	objectiveCmd.AddCommand(objectiveListCmd)
	objectiveCmd.AddCommand(objectiveDoneCmd)
	objectiveCmd.AddCommand(objectiveCheckinCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"list"},
	Short:   "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a single configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			if k.Key == args[0] {
				fmt.Println(k.Value)
				return nil
			}
		}
		return fmt.Errorf("unknown config key %q (valid keys: %s)", args[0], strings.Join(config.ValidKeys(), ", "))
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}
