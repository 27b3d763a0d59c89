package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/ledgersync/internal/apiclient"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Server     string
	Token      string
	Format     string

	getenv func(string) string
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Getenv)
}

func newRootCommand(getenv func(string) string) *cobra.Command {
	opts := &RootOptions{getenv: getenv}

	cmd := &cobra.Command{
		Use:   "ledgersync",
		Short: "Keep the local ledger consistent with the billing provider",
		Long: `ledgersync receives provider webhooks, reconciles the local ledger against
the provider on a schedule and repairs drift within configured safety limits.

Run "ledgersync serve" to start the service. The remaining commands talk to a
running server through its admin API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.ConfigPath == "" {
				opts.ConfigPath = strings.TrimSpace(opts.getenv("LEDGERSYNC_CONFIG"))
			}
			if opts.Server == "" {
				opts.Server = strings.TrimSpace(opts.getenv("LEDGERSYNC_SERVER"))
			}
			if opts.Token == "" {
				opts.Token = strings.TrimSpace(opts.getenv("LEDGERSYNC_ADMIN_TOKEN"))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (env LEDGERSYNC_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "admin API base URL (env LEDGERSYNC_SERVER, default http://127.0.0.1:8080)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "admin bearer token (env LEDGERSYNC_ADMIN_TOKEN)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewCorrectCommand(opts))
	cmd.AddCommand(NewResyncCommand(opts))
	cmd.AddCommand(NewIssuesCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewRecoveryCommand(opts))
	cmd.AddCommand(NewLinkCommand(opts))

	return cmd
}

func (o *RootOptions) client() *apiclient.Client {
	return apiclient.New(o.Server, o.Token, nil)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
