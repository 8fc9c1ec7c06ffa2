package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lanthost/agent/internal/config"
	"github.com/lanthost/agent/internal/logging"
	"github.com/lanthost/agent/internal/service"
	"github.com/lanthost/agent/internal/settings"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "lanthost",
	Short: "Lanthost remote desktop host",
	Long:  `Lanthost - peer-to-peer remote desktop session host`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the host service",
	Run: func(cmd *cobra.Command, args []string) {
		runHost()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lanthost v%s\n", version)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login [access-token]",
	Short: "Store the access token used to admit inbound connections",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		loginDevice(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is platform config dir)/lanthost.yaml")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loginCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

// hostComponents holds the running components created by runHost so that
// service wrappers (Windows SCM, etc.) can shut them down gracefully.
type hostComponents struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func shutdownHost(comps *hostComponents) {
	if comps == nil {
		return
	}
	comps.cancel()
	<-comps.done
}

// startHost loads config/settings and launches the Service on its own
// goroutine, returning immediately with a handle the caller (console loop
// or Windows SCM handler) uses to wait for shutdown.
func startHost() (*hostComponents, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	initLogging(cfg)

	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := service.New(cfg, store)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("service exited", "error", err)
		}
	}()

	return &hostComponents{cancel: cancel, done: done}, nil
}

// runHost is the entry point for the "run" subcommand: run as a Windows
// service when launched by the SCM, otherwise block on the console until an
// interrupt/terminate signal arrives.
func runHost() {
	if isWindowsService() {
		if err := runAsService(startHost); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	comps, err := startHost()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownHost(comps)
}

// loginDevice persists the access token an operator hands out of band, used
// by inbound OpenConnection requests as the non-cookie admission check.
func loginDevice(token string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open settings store: %v\n", err)
		os.Exit(1)
	}

	if err := store.Set(settings.KeyAccessToken, token); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save access token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Access token saved.")
}
