package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/micfeed/micfeed/internal/audio"
	"github.com/micfeed/micfeed/internal/capture"
	"github.com/micfeed/micfeed/internal/config"
	"github.com/micfeed/micfeed/internal/encoder"
	"github.com/micfeed/micfeed/internal/logging"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "micfeed",
		Short:   "Real-time microphone capture to AAC",
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	record := &cobra.Command{
		Use:   "record",
		Short: "Capture from the microphone and encode until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(configPath)
		},
	}

	devices := &cobra.Command{
		Use:   "devices",
		Short: "List available capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices()
		},
	}

	root.AddCommand(record, devices)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRecord(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewWithLevel(cfg.LogLevel)

	out, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer out.Close()

	session := capture.SessionConfig{
		ChannelCount: cfg.Channels,
		Bitrate:      cfg.Bitrate,
		SampleRate:   cfg.SampleRate,
		Sink:         out,
	}

	controller, err := capture.NewController(session,
		func(sc capture.SessionConfig) (audio.Source, error) {
			return audio.NewSource(cfg.DeviceID, sc.SampleRate, sc.ChannelCount)
		},
		func(sc capture.SessionConfig) (encoder.Session, error) {
			return encoder.NewFFmpegSession(sc.ChannelCount, sc.Bitrate, sc.SampleRate, sc.Sink, log)
		},
		log)
	if err != nil {
		return err
	}

	if err := controller.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	// Feed-loop failures are non-fatal; surface them as they happen.
	go func() {
		for err := range controller.Errors() {
			log.Warn().Err(err).Msg("Capture degraded")
		}
	}()

	log.Info().Str("output", cfg.Output).Msg("Recording, press Ctrl-C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Stopping...")
	<-controller.Stop()
	log.Info().Str("output", cfg.Output).Msg("Recording finished")
	return nil
}

func runDevices() error {
	devices, err := audio.ListDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, d.Name)
	}
	return nil
}
