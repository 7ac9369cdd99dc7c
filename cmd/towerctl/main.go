// SPDX-License-Identifier: MIT

// Package main implements towerctl, the interactive configuration editor
// for the tower daemon. It walks through the settings that operators
// actually tune and writes a validated config.yaml.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/pflag"

	"github.com/slbailey/tower/internal/config"
)

var configPath = pflag.String("config", config.ConfigFilePath, "Path to configuration file")

func main() {
	pflag.Parse()

	cfg := loadOrDefault(*configPath)

	if err := runForm(cfg); err != nil {
		if err == huh.ErrUserAborted {
			fmt.Println("Aborted, configuration unchanged.")
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "towerctl: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "towerctl: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Save(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "towerctl: failed to save: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration written to %s\n", *configPath)
}

func loadOrDefault(path string) *config.Config {
	if _, err := os.Stat(path); err == nil {
		if cfg, err := config.LoadConfig(path); err == nil {
			return cfg
		}
		fmt.Fprintf(os.Stderr, "towerctl: existing config unreadable, starting from defaults\n")
	}
	return config.DefaultConfig()
}

// runForm edits cfg in place through a huh form.
func runForm(cfg *config.Config) error {
	pcmCap := strconv.Itoa(cfg.Buffers.PCMCapacity)
	mp3Cap := strconv.Itoa(cfg.Buffers.MP3Capacity)
	threshold := strconv.Itoa(cfg.Audio.ThresholdFrames)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable encoder").
				Description("Disabled runs the pipeline in offline test mode (no subprocess).").
				Value(&cfg.Encoder.Enabled),

			huh.NewInput().
				Title("FFmpeg path").
				Value(&cfg.Encoder.FFmpegPath).
				Validate(notEmpty("ffmpeg path")),

			huh.NewSelect[string]().
				Title("MP3 bitrate").
				Options(
					huh.NewOption("96 kbps", "96k"),
					huh.NewOption("128 kbps", "128k"),
					huh.NewOption("192 kbps", "192k"),
					huh.NewOption("256 kbps", "256k"),
				).
				Value(&cfg.Encoder.Bitrate),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("PCM buffer capacity (frames)").
				Value(&pcmCap).
				Validate(positiveInt("pcm capacity")),

			huh.NewInput().
				Title("MP3 buffer capacity (frames)").
				Description("~41.7 frames per second of buffered output.").
				Value(&mp3Cap).
				Validate(positiveInt("mp3 capacity")),

			huh.NewInput().
				Title("Program admission threshold (consecutive PCM frames)").
				Value(&threshold).
				Validate(positiveInt("threshold")),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("PCM ingest TCP address").
				Value(&cfg.Ingest.TCPAddr),

			huh.NewInput().
				Title("PCM ingest UDP address (empty disables)").
				Value(&cfg.Ingest.UDPAddr),

			huh.NewInput().
				Title("HTTP edge address").
				Value(&cfg.HTTP.Addr).
				Validate(notEmpty("http address")),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Buffers.PCMCapacity, _ = strconv.Atoi(pcmCap)
	cfg.Buffers.MP3Capacity, _ = strconv.Atoi(mp3Cap)
	cfg.Audio.ThresholdFrames, _ = strconv.Atoi(threshold)
	return nil
}

func notEmpty(name string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
		return nil
	}
}

func positiveInt(name string) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer", name)
		}
		return nil
	}
}
