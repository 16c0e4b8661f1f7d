package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/extmgr"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot assembles the command tree writing its output to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	extCommand := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags, out),
		createListCommand(&extCommand, globalFlags),
		createInstallCommand(&extCommand, globalFlags),
		createRunCommand(&extCommand, globalFlags),
		createStopCommand(&extCommand, globalFlags),
		createDeleteCommand(&extCommand, globalFlags),
		createStatusCommand(&extCommand, globalFlags),
		createEventsCommand(&extCommand, globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "extmgr",
		Short: "Extension installer and process manager",
		Long: `extmgr keeps one version of each extension executable in a directory,
runs and stops them, and reports extensions that exit with an error.

Examples:
  extmgr serve --config=extmgr.toml         # Start daemon
  extmgr install "./Foo - 1.0.bin"          # Install (replaces other Foo versions)
  extmgr run "Foo - 1.0.bin"
  extmgr list --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default from --config, else "+defaultAPIUrl+")")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")
	return root
}

func createServeCommand(globalFlags *GlobalFlags, out io.Writer) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the extmgr daemon",
		Long: `Start the daemon that owns the extensions directory and serves the HTTP API.
Without a config file the defaults are used; EXTMGR_* environment variables
override either.

Examples:
  extmgr serve
  extmgr serve extmgr.toml
  extmgr serve --config=extmgr.toml --daemonize --pidfile=/run/extmgr.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *globalFlags, *serveFlags, args, out)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file (with --daemonize)")
	return cmd
}

func runServe(ctx context.Context, g GlobalFlags, f ServeFlags, args []string, out io.Writer) error {
	configPath := g.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := extmgr.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if f.Daemonize {
		_, err := daemonize(f.LogFile, out)
		return err
	}

	d, err := extmgr.NewDaemon(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(d.Logger())
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			d.Shutdown(context.Background())
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}
	return d.Run(ctx)
}

func createListCommand(c *command, g *GlobalFlags) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *g, *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createInstallCommand(c *command, g *GlobalFlags) *cobra.Command {
	f := &InstallFlags{}
	cmd := &cobra.Command{
		Use:   "install <file>",
		Short: "Install an extension file",
		Long: `Upload an extension executable to the daemon. Its file name (or --name)
must follow "<name> - <version>.<ext>"; other installed versions of the same
name are removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Install(cmd.Context(), *g, args[0], *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "file name to install as (default: the file's base name)")
	cmd.Flags().StringVar(&f.Version, "version", "", "install under this version instead of the one in the file name")
	return cmd
}

func createRunCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Start an installed extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), *g, args[0])
		},
	}
}

func createStopCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Kill a running extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *g, args[0])
		},
	}
}

func createDeleteCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Stop and uninstall an extension",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Delete(cmd.Context(), *g, args[0])
		},
	}
}

func createStatusCommand(c *command, g *GlobalFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show extension status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *g, args[0], *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&f.History, "history", false, "include retained usage samples")
	return cmd
}

func createEventsCommand(c *command, g *GlobalFlags) *cobra.Command {
	f := &EventsFlags{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow crash notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Events(cmd.Context(), *g, *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print one JSON object per crash")
	return cmd
}
