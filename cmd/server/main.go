package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/server"
	"github.com/ifuryst/herald/internal/service"
	"github.com/ifuryst/herald/pkg/logger"
)

var (
	configPath string
	version    = "0.1.0"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Herald - scheduled publication delivery",
	Long:  `Herald schedules publications, delivers them to X at the requested time and keeps their engagement metrics fresh.`,
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Herald %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Send overdue scheduled publications once and exit",
	Long:  `Sends every scheduled publication whose time has passed, including those whose job row is still stored. Run it only while the server is stopped.`,
	RunE:  runSweep,
}

var adminSecretCmd = &cobra.Command{
	Use:   "admin-secret",
	Short: "Generate a TOTP secret for the admin token header",
	RunE: func(cmd *cobra.Command, args []string) error {
		auth := service.NewAuthService(zap.NewNop(), "")
		secret, err := auth.GenerateSecret()
		if err != nil {
			return err
		}
		url, err := auth.GenerateURL("Herald", "admin", secret)
		if err != nil {
			return err
		}
		fmt.Printf("Secret: %s\n", secret)
		fmt.Printf("Enrollment URL: %s\n", url)
		fmt.Println("Set auth.totp_secret (or HERALD_ADMIN_TOTP_SECRET) to the secret.")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	rootCmd.AddCommand(versionCmd, sweepCmd, adminSecretCmd)
}

func setup() (*config.Config, *zap.Logger, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, appLogger, nil
}

func runServer(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Herald server", zap.String("version", version))

	// Create server
	srv, err := server.NewServer(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start server
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Start(ctx); err != nil {
			appLogger.Error("Server failed to start", zap.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down server...")
	case <-ctx.Done():
		appLogger.Info("Server context cancelled")
	}

	// Graceful shutdown
	if err := srv.Shutdown(context.Background()); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	appLogger.Info("Server exited")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := service.Migrate(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Dispatch stays off; the sweep only needs the wiring and the persisted jobs.
	cfg.Scheduler.Disabled = true
	services, err := server.BuildServices(cfg, db, appLogger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// The engine is not started: persisted job rows must not count as pending,
	// so records whose job never fired while the server was down are sent too.
	sent, err := services.Sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Sent %d overdue publication(s)\n", sent)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
