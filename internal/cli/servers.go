package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/mcpilot/internal/config"
	"github.com/harun/mcpilot/internal/observability"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage configured MCP servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		listServers(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var serversEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateServers(cmd.OutOrStdout(), "enable", args[0], func(cfg *config.Config) error {
			return cfg.SetServerEnabled(args[0], true)
		})
	},
}

var serversDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateServers(cmd.OutOrStdout(), "disable", args[0], func(cfg *config.Config) error {
			if cfg.DefaultServer == args[0] {
				cfg.DefaultServer = ""
			}
			return cfg.SetServerEnabled(args[0], false)
		})
	},
}

var serversDefaultCmd = &cobra.Command{
	Use:   "default <name>",
	Short: "Make a server the default and enable it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateServers(cmd.OutOrStdout(), "default", args[0], func(cfg *config.Config) error {
			return cfg.SetDefaultServer(args[0])
		})
	},
}

func init() {
	serversCmd.AddCommand(serversListCmd, serversEnableCmd, serversDisableCmd, serversDefaultCmd)
	rootCmd.AddCommand(serversCmd)
}

func listServers(w io.Writer, cfg *config.Config) {
	names := cfg.ServerNames()
	if len(names) == 0 {
		fmt.Fprintln(w, "No servers configured.")
		return
	}
	for _, name := range names {
		server := cfg.Servers[name]
		state := mutedStyle.Render("disabled")
		if server.Enabled {
			state = successStyle.Render("enabled")
		}
		marker := " "
		if name == cfg.DefaultServer {
			marker = "*"
		}
		command := strings.TrimSpace(server.Command + " " + strings.Join(server.Args, " "))
		fmt.Fprintf(w, "%s %-16s %-8s %s\n", marker, name, state, command)
		if server.Description != "" {
			fmt.Fprintf(w, "  %s\n", mutedStyle.Render(server.Description))
		}
	}
}

var actionDone = map[string]string{
	"enable":  "enabled",
	"disable": "disabled",
	"default": "set as default",
}

// updateServers applies change to the config file and saves it.
func updateServers(w io.Writer, action, name string, change func(*config.Config) error) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := change(cfg); err != nil {
		return err
	}
	if err := loader.Save(cfg); err != nil {
		return err
	}
	observability.RecordConfigAudit(context.Background(), "server."+action, "cli", map[string]interface{}{
		"server": name,
	})
	fmt.Fprintf(w, "Server %s: %s\n", name, actionDone[action])
	return nil
}
