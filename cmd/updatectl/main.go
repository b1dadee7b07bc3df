package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/serkankas/py-offline-updater/internal/backup"
	"github.com/serkankas/py-offline-updater/internal/bootstrap"
	"github.com/serkankas/py-offline-updater/internal/config"
	"github.com/serkankas/py-offline-updater/internal/docker"
	"github.com/serkankas/py-offline-updater/internal/jobserver"
	"github.com/serkankas/py-offline-updater/internal/observability"
	"github.com/serkankas/py-offline-updater/internal/state"
)

var (
	cfgFile string
	baseDir string
	logLvl  string
	logger  *observability.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "updatectl",
	Short: "Offline update orchestrator",
	Long: `updatectl applies versioned update packages to an installed system:
extracting the archive, gating the engine version, running manifest-driven
checks and actions with crash-recoverable state, and rolling back on
failure.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			logger.Error("failed to load config", zap.Error(err))
			os.Exit(1)
		}
		if baseDir != "" {
			cfg.SetBaseDir(baseDir)
		}
		if logLvl != "" {
			cfg.LogLevel = logLvl
		}
		if cfg.LogLevel != "" {
			leveled, err := observability.NewLogger(cfg.LogLevel)
			if err != nil {
				logger.Warn("failed to set log level, using default", zap.Error(err))
			} else {
				logger = leveled
			}
		}
		if err := cfg.EnsureDirectories(); err != nil {
			logger.Error("failed to create base directory layout", zap.Error(err))
			os.Exit(1)
		}
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <archive>",
	Short: "Apply an update package",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runApply(args[0]); err != nil {
			logger.Error("update failed", zap.Error(err))
			os.Exit(1)
		}
	},
}

func runApply(archivePath string) error {
	ctx := context.Background()

	dockerClient, err := docker.NewClient(logger, cfg.DockerHost)
	if err != nil {
		logger.Warn("docker unavailable, docker-dependent checks/actions will fail", zap.Error(err))
		dockerClient = nil
	}
	if dockerClient != nil {
		defer dockerClient.Close()
	}

	metrics := observability.NewMetrics()
	bt := bootstrap.New(cfg, dockerClient, logger, metrics)

	extracted, err := bt.Run(ctx, archivePath, func() bootstrap.ResumeDecision {
		return promptResumeDecision(cfg.OnIncomplete)
	})
	if err == bootstrap.ErrRestartRequired {
		fmt.Println("Engine upgraded; please re-run updatectl apply to continue with the new engine.")
		return nil
	}
	if err != nil {
		return err
	}

	bk, err := backup.NewStore(cfg.BackupDir, logger, metrics)
	if err != nil {
		return err
	}

	phase, err := bt.HandOff(ctx, extracted, bk)
	logger.Info("update finished", zap.String("phase", string(phase)))
	return err
}

// promptResumeDecision asks the operator what to do about a crashed prior
// update when running interactively; non-interactive callers (the job
// façade) apply cfg.OnIncomplete directly instead of prompting.
func promptResumeDecision(policy config.OnIncomplete) bootstrap.ResumeDecision {
	switch policy {
	case config.OnIncompleteRollback:
		return bootstrap.DecisionRollback
	case config.OnIncompleteContinue:
		return bootstrap.DecisionContinue
	default:
		fmt.Print("A previous update did not finish. Continue [c] or roll back [r]? ")
		var answer string
		fmt.Scanln(&answer)
		if answer == "r" || answer == "rollback" {
			return bootstrap.DecisionRollback
		}
		return bootstrap.DecisionContinue
	}
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the most recently recorded update",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		metrics := observability.NewMetrics()
		bt := bootstrap.New(cfg, nil, logger, metrics)
		if err := bt.RollbackCurrent(ctx); err != nil {
			logger.Error("rollback failed", zap.Error(err))
			os.Exit(1)
		}
		fmt.Println("Rollback complete.")
	},
}

var listBackupsCmd = &cobra.Command{
	Use:   "list-backups",
	Short: "List retained backups",
	Run: func(cmd *cobra.Command, args []string) {
		bk, err := backup.NewStore(cfg.BackupDir, logger, observability.NewMetrics())
		if err != nil {
			logger.Error("failed to open backup store", zap.Error(err))
			os.Exit(1)
		}
		entries, err := bk.List()
		if err != nil {
			logger.Error("failed to list backups", zap.Error(err))
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Println("No backups found.")
			return
		}
		for _, e := range entries {
			fmt.Printf("%-20s created %s (%d sources)\n", e.Name, e.CreatedAt, len(e.Sources))
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether an update is currently in progress",
	Run: func(cmd *cobra.Command, args []string) {
		printStatus()
	},
}

func printStatus() {
	st, err := state.NewStore(cfg.StateFile, logger).Load()
	if err != nil {
		logger.Error("failed to read state", zap.Error(err))
		os.Exit(1)
	}
	if st == nil {
		fmt.Println("No update in progress.")
		return
	}

	fmt.Printf("status:      %s\n", st.Status)
	fmt.Printf("description: %s\n", st.Description)
	fmt.Printf("package:     %s\n", st.PackagePath)
	fmt.Printf("completed:   %d actions\n", len(st.CompletedActions))
	if st.CurrentActionName != "" {
		fmt.Printf("current:     %s\n", st.CurrentActionName)
	}
	fmt.Printf("updated:     %s\n", st.LastUpdated)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP job façade",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			logger.Error("server failed", zap.Error(err))
			os.Exit(1)
		}
	},
}

func runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dockerClient, err := docker.NewClient(logger, cfg.DockerHost)
	if err != nil {
		logger.Warn("docker unavailable at startup", zap.Error(err))
		dockerClient = nil
	}

	healthChecker := observability.NewHealthChecker()
	if dockerClient != nil {
		healthChecker.RegisterCheck("docker", observability.DockerHealthCheck(dockerClient.Ping))
	}
	go healthChecker.StartPeriodicChecks(ctx, 10*time.Second)

	metrics := observability.NewMetrics()
	httpServer := jobserver.NewServer(cfg, dockerClient, healthChecker, metrics, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
		httpServer.Stop()
		if dockerClient != nil {
			dockerClient.Close()
		}
	}()

	logger.Info("starting updatectl server", zap.String("http_addr", cfg.HTTPAddr))
	return httpServer.Start()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.offline-updater/config.json)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "override the persistent layout root")
	rootCmd.PersistentFlags().StringVar(&logLvl, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(listBackupsCmd)
	rootCmd.AddCommand(statusCmd)
}
