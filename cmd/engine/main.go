// Command engine is the thin CLI wrapper over the instance engine core. It
// exposes the six operations of the external contract (install, update,
// repair, reinstall, launch, stop) plus status and version, one operation
// per process invocation. Exit codes follow the contract: 0 success, 1 user
// error, 2 network, 3 integrity, 4 unknown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"instanceforge/internal/elog"
	"instanceforge/internal/engcfg"
	"instanceforge/internal/engineerr"
	"instanceforge/internal/launch"
	"instanceforge/internal/orchestrator"
	"instanceforge/internal/progress"
	"instanceforge/pkg/types"
	"instanceforge/pkg/version"
)

type cliFlags struct {
	dataDir string
	verbose bool
	noColor bool

	name         string
	ram          string
	ramMB        int
	allowMods    bool
	allowPacks   bool
	allowConfigs bool
	category     string

	player      string
	uuid        string
	accessToken string
	clientToken string
	offline     bool
}

func main() {
	flags := &cliFlags{}

	var cfg *engcfg.Config
	var log *elog.Logger
	var engine *orchestrator.Engine

	root := &cobra.Command{
		Use:           "engine",
		Short:         "Minecraft modpack instance engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = engcfg.Load()
			if err != nil {
				return err
			}
			if flags.dataDir != "" {
				cfg.DataDir = flags.dataDir
			}
			level := parseLevel(cfg.LogLevel)
			if flags.verbose {
				level = slog.LevelDebug
			}
			log = elog.New(elog.Config{
				Level:   level,
				LogPath: elog.DefaultLogPath("instanceforge"),
				NoColor: flags.noColor,
			})
			engine = orchestrator.New(cfg, log)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				_ = log.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "override the engine data directory")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "disable colored console output")

	addInstallFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&flags.name, "name", "", "display name (defaults to the manifest name)")
		cmd.Flags().StringVar(&flags.ram, "ram", string(types.RAMRecommended), "ram allocation mode: recommended|global|custom")
		cmd.Flags().IntVar(&flags.ramMB, "ram-mb", 0, "heap size in MB when --ram=custom")
		cmd.Flags().BoolVar(&flags.allowMods, "allow-custom-mods", false, "preserve user-modified files under mods/ on update")
		cmd.Flags().BoolVar(&flags.allowPacks, "allow-custom-resourcepacks", false, "preserve user-modified files under resourcepacks/ on update")
		cmd.Flags().BoolVar(&flags.allowConfigs, "allow-custom-configs", false, "preserve user-modified files under config/ and scripts/ on update")
		cmd.Flags().StringVar(&flags.category, "category", "", "instance category label")
	}

	mutating := func(use, short string, run func(ctx context.Context, id, archive string, opts orchestrator.InstallOptions) (*orchestrator.OpResult, error)) *cobra.Command {
		cmd := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				agg := progress.NewAggregator(nil, 0)
				engine.Progress = agg
				done := make(chan struct{})
				go printProgress(agg.Subscribe(), done)

				res, err := run(ctx, args[0], args[1], orchestrator.InstallOptions{
					Name:                     flags.name,
					RAMAllocation:            types.RAMMode(flags.ram),
					CustomRAMMB:              flags.ramMB,
					AllowCustomMods:          flags.allowMods,
					AllowCustomResourcepacks: flags.allowPacks,
					AllowCustomConfigs:       flags.allowConfigs,
					Category:                 flags.category,
				})
				agg.Close()
				<-done
				if err != nil {
					return err
				}
				for _, fm := range res.Failed {
					log.Warn("file not materialized", "file", fm.FileName, "reason", string(fm.Reason))
				}
				meta := res.Meta
				log.Info("operation complete",
					"instance", meta.ID,
					"version", meta.InstalledVersion,
					"minecraft", meta.MinecraftVersion,
					"loader", string(meta.Loader.Kind)+"-"+meta.Loader.Version)
				return nil
			},
		}
		addInstallFlags(cmd)
		return cmd
	}

	root.AddCommand(mutating("install <id> <archive>", "Install a modpack archive as a new instance", func(ctx context.Context, id, archive string, opts orchestrator.InstallOptions) (*orchestrator.OpResult, error) {
		return engine.Install(ctx, id, archive, opts)
	}))
	root.AddCommand(mutating("update <id> <archive>", "Update an instance to a new modpack version", func(ctx context.Context, id, archive string, opts orchestrator.InstallOptions) (*orchestrator.OpResult, error) {
		return engine.Update(ctx, id, archive, opts)
	}))
	root.AddCommand(mutating("reinstall <id> <archive>", "Force-rebuild every upstream-owned file, ignoring protection flags", func(ctx context.Context, id, archive string, opts orchestrator.InstallOptions) (*orchestrator.OpResult, error) {
		return engine.Reinstall(ctx, id, archive, opts)
	}))

	root.AddCommand(&cobra.Command{
		Use:   "repair <id>",
		Short: "Reinstall Minecraft, loader libraries, and Java without touching mods or user files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			meta, err := engine.Repair(ctx, args[0])
			if err != nil {
				return err
			}
			log.Info("repair complete", "instance", meta.ID, "minecraft", meta.MinecraftVersion)
			return nil
		},
	})

	launchCmd := &cobra.Command{
		Use:   "launch <id>",
		Short: "Launch an installed instance and stream its logs until exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			id := args[0]

			handle, err := engine.Launch(ctx, id, launch.Auth{
				PlayerName:  flags.player,
				UUID:        flags.uuid,
				AccessToken: flags.accessToken,
				ClientToken: flags.clientToken,
				Offline:     flags.offline || flags.accessToken == "",
			})
			if err != nil {
				return err
			}
			log.Info("instance started", "instance", id, "pid", handle.PID)

			logs := handle.Subscribe()
			ctxDone := ctx.Done()
			for {
				select {
				case line := <-logs:
					fmt.Fprintln(os.Stdout, line.Text)
				case <-ctxDone:
					// Ctrl-C requests cooperative shutdown of the game, not an
					// immediate CLI exit; the exit case below observes the result.
					ctxDone = nil
					log.Info("stopping instance", "instance", id)
					if err := engine.Stop(context.Background(), id); err != nil {
						return err
					}
				case code := <-handle.Exit():
					if code != 0 {
						log.Warn("game exited", "instance", id, "code", code)
					} else {
						log.Info("game exited", "instance", id)
					}
					return nil
				}
			}
		},
	}
	launchCmd.Flags().StringVar(&flags.player, "player", "", "player name")
	launchCmd.Flags().StringVar(&flags.uuid, "uuid", "", "player UUID (online mode)")
	launchCmd.Flags().StringVar(&flags.accessToken, "access-token", "", "access token (online mode)")
	launchCmd.Flags().StringVar(&flags.clientToken, "client-token", "", "client token (online mode)")
	launchCmd.Flags().BoolVar(&flags.offline, "offline", false, "force offline mode")
	root.AddCommand(launchCmd)

	root.AddCommand(&cobra.Command{
		Use:   "stop <id>",
		Short: "Request graceful shutdown of a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return engine.Stop(cmd.Context(), args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status <id>",
		Short: "Report an instance's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(engine.Status(args[0]))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil // no engine needed
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetBuildInfo().String())
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(engineerr.ExitCode(err))
	}
}

// printProgress renders aggregator samples as a single rewritten status line
// on stderr, finishing with a newline once the channel closes.
func printProgress(samples <-chan types.ProgressSample, done chan<- struct{}) {
	defer close(done)
	wrote := false
	for s := range samples {
		line := fmt.Sprintf("%5.1f%%  %s", s.Percentage, s.Step)
		if s.BytesPerSec > 0 {
			line += fmt.Sprintf("  %s/s", humanBytes(s.BytesPerSec))
		}
		if s.ETASeconds > 0 {
			line += fmt.Sprintf("  eta %ds", s.ETASeconds)
		}
		fmt.Fprintf(os.Stderr, "\r%-60s", line)
		wrote = true
	}
	if wrote {
		fmt.Fprintln(os.Stderr)
	}
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
