package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Build-time configuration, set via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0 -X main.BasePath=/jeeves:jeeves:template.os/ -X main.DevMode=true" ./cmd
var (
	Version  = "dev"
	BasePath = ""
	NodeURL  = ""
	DevMode  = "false"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	return execute(args[1:], os.Getenv, os.Stdin, stdout, stderr)
}

// execute runs the CLI with an injectable environment so tests never
// depend on the caller's variables.
func execute(args []string, getenv func(string) string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{getenv: getenv, logger: zap.NewNop()}
	defer a.sync()

	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// devDefault parses the DevMode ldflag. Anything unparseable is a
// production build.
func devDefault() bool {
	dev, err := strconv.ParseBool(DevMode)
	return err == nil && dev
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "jeeves",
		Short: "Terminal shell for the Jeeves process on a node",
		Long: `jeeves connects to the Jeeves process running on its host node, receives
the messages the process pushes, and renders a placeholder view.

Run without a command to open the view.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			// The view owns the terminal, so it only logs to a file.
			return a.init(cmd, !cmd.HasParent())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runView(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.configPath, "config", "", "Path to config file (default: ~/.jeeves/config.toml)")
	flags.StringVar(&a.opts.node, "node", "", "Host node identifier (overrides "+envNodeHelp+")")
	flags.StringVar(&a.opts.process, "process", "", "Host process identifier (overrides "+envProcessHelp+")")
	flags.StringVar(&a.opts.basePath, "base-path", "", "Path the process is served under, e.g. /jeeves:jeeves:template.os/")
	flags.StringVar(&a.opts.nodeURL, "node-url", "", "Development endpoint override, e.g. http://localhost:8081")
	flags.BoolVar(&a.opts.dev, "dev", false, "Treat this as a development build")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&a.opts.logFile, "log-file", "", "Write logs to this file")
	flags.StringVar(&a.opts.journalPath, "journal", "", "Record inbound messages to this sqlite file")

	root.AddCommand(
		newListenCommand(a),
		newEndpointCommand(a),
		newStateCommand(a),
		newJournalCommand(a),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "jeeves %s\n", Version)
		},
	}
}
