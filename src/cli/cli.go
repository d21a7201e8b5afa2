// Package cli is the easyguard command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Easy-Infra-Ltd/easy-guard/src/config"
	"github.com/Easy-Infra-Ltd/easy-guard/src/gateway"
	"github.com/Easy-Infra-Ltd/easy-guard/src/sanitizer"
	"github.com/Easy-Infra-Ltd/easy-guard/src/transport"
)

type rootOptions struct {
	configFile   string
	envFile      string
	scannersFile string
	logger       *slog.Logger
}

// NewRootCommand returns the easyguard command tree.
func NewRootCommand(logger *slog.Logger) *cobra.Command {
	opts := &rootOptions{logger: logger}

	root := &cobra.Command{
		Use:           "easyguard",
		Short:         "Prompt and response guardrails for LLM applications",
		Long:          "easyguard screens prompts before they reach a model and responses before they reach a user, over HTTP or MCP.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default ./easyguard.yaml or $GUARD_CONFIG_FILE)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading the environment")
	root.PersistentFlags().StringVar(&opts.scannersFile, "scanners", "", "scanner definitions file (overrides scanners_file)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newScanCmd(opts))
	root.AddCommand(newCheckCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the command line against os.Args.
func Execute(ctx context.Context, logger *slog.Logger) error {
	return NewRootCommand(logger).ExecuteContext(ctx)
}

// load resolves the service config and the scanner definitions.
func (o *rootOptions) load() (config.Config, config.ScannersConfig, error) {
	cfg, err := config.Load(config.Options{ConfigFile: o.configFile, EnvFile: o.envFile})
	if err != nil {
		return config.Config{}, config.ScannersConfig{}, err
	}
	path := o.scannersFile
	if path == "" {
		path = cfg.ScannersFile
	}
	if path == "" {
		o.logger.Debug("no scanners file configured, using defaults")
		return cfg, config.DefaultScanners(), nil
	}
	scanners, err := config.LoadScanners(path)
	if err != nil {
		return config.Config{}, config.ScannersConfig{}, err
	}
	return cfg, scanners, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		noHTTP bool
		mcpOn  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the guard over HTTP and/or MCP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, scanners, err := opts.load()
			if err != nil {
				return err
			}
			if noHTTP {
				cfg.Server.Enabled = false
			}
			if mcpOn {
				cfg.MCP.Enabled = true
			}
			return gateway.New(cfg, scanners, opts.logger).Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "disable the HTTP api")
	cmd.Flags().BoolVar(&mcpOn, "mcp", false, "enable the MCP server")
	return cmd
}

func newScanCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a single prompt or response through the configured scanners",
	}

	prompt := &cobra.Command{
		Use:   "prompt <text>",
		Short: "Scan a prompt and print the verdict",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := opts.build(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Close(context.WithoutCancel(cmd.Context()))

			v, _, err := gw.Guard().EvaluateInput(cmd.Context(), "", strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printVerdict(cmd, v)
		},
	}

	var forPrompt string
	output := &cobra.Command{
		Use:   "output <text>",
		Short: "Scan a model response and print the verdict",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := opts.build(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Close(context.WithoutCancel(cmd.Context()))

			v, err := gw.Guard().EvaluateOutput(cmd.Context(), "", forPrompt, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printVerdict(cmd, v)
		},
	}
	output.Flags().StringVarP(&forPrompt, "prompt", "p", "", "the prompt the response answers")

	cmd.AddCommand(prompt, output)
	return cmd
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and build both pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, err := opts.build(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Close(context.WithoutCancel(cmd.Context()))

			in, out := gw.Pipelines()
			fmt.Fprintf(cmd.OutOrStdout(), "input:  %s\noutput: %s\n",
				strings.Join(in.Scanners(), ", "), strings.Join(out.Scanners(), ", "))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "easyguard %s\n", transport.Version)
		},
	}
}

// build assembles a gateway for one-shot use. Front ends and the metrics
// exporter are off; scan results go to stdout.
func (o *rootOptions) build(ctx context.Context) (*gateway.Gateway, error) {
	cfg, scanners, err := o.load()
	if err != nil {
		return nil, err
	}
	cfg.Server.Enabled = false
	cfg.MCP.Enabled = false
	cfg.Observability.EnableMetrics = false

	gw := gateway.New(cfg, scanners, o.logger)
	if err := gw.Build(ctx); err != nil {
		return nil, err
	}
	return gw, nil
}

func printVerdict(cmd *cobra.Command, v sanitizer.Verdict) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
