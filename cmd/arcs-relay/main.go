package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arcs-remote/arcs-server/internal/config"
	"github.com/arcs-remote/arcs-server/internal/logging"
	"github.com/arcs-remote/arcs-server/internal/registry"
	"github.com/arcs-remote/arcs-server/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "arcs-relay",
	Short:   "ARCS relay server for remote Android device control",
	Long:    `arcs-relay pairs Android devices with remote controllers: it relays encoded screen video from device to controllers and control commands back, with per-session authentication and rate limiting.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("arcs-relay %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var registerDeviceCmd = &cobra.Command{
	Use:   "register-device <device-id> <secret>",
	Short: "Register a device in the local registry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		reg, err := registry.Open(cfg.RegistryPath)
		if err != nil {
			return err
		}
		defer reg.Close()

		if err := reg.Register(args[0], args[1], model); err != nil {
			return err
		}
		fmt.Printf("Registered device %s\n", args[0])
		return nil
	},
}

func init() {
	registerDeviceCmd.Flags().String("model", "", "device model name")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(registerDeviceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	log.Info().
		Str("version", Version).
		Str("addr", cfg.ListenAddr).
		Bool("tls", cfg.TLSEnabled()).
		Msg("Starting relay")

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Relay stopped")
	return nil
}
