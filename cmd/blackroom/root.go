package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/blackroom/blackroom-client/internal/app"
	"github.com/blackroom/blackroom-client/internal/config"
	"github.com/blackroom/blackroom-client/internal/log"
)

type rootFlags struct {
	configPath string
	server     string
	room       string
	label      string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "blackroom",
		Short:         "Terminal client for BlackRoom chat rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to blackroom.yaml")
	pf.StringVar(&flags.server, "server", "", "server URL (http or https)")
	pf.StringVarP(&flags.room, "room", "r", "", "room to join")
	pf.StringVar(&flags.label, "label", "", "device label used on first run")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")

	cmd.AddCommand(
		newChatCmd(flags),
		newSendCmd(flags),
		newHistoryCmd(flags),
		newUploadCmd(flags),
		newLabelCmd(flags),
		newWhoamiCmd(flags),
	)
	return cmd
}

// loadConfig applies flags over file and environment values.
func loadConfig(flags *rootFlags) (config.Config, *zerolog.Logger, error) {
	bootstrap := log.New("warn", "console", os.Stderr)

	cfg, path, err := config.Load(bootstrap, flags.configPath)
	if err != nil {
		return cfg, nil, err
	}
	cfg.UpdateFrom(config.Config{
		Server:   config.ServerConfig{URL: strings.TrimSpace(flags.server)},
		Room:     strings.TrimSpace(flags.room),
		Identity: config.IdentityConfig{Label: flags.label},
		Log:      config.LogConfig{Level: flags.logLevel},
	})
	if err := config.Validate(cfg); err != nil {
		return cfg, nil, err
	}

	logger := log.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logger.Debug().Str("config", path).Str("server", cfg.Server.URL).Str("room", cfg.Room).Msg("config loaded")
	return cfg, logger, nil
}

// withSession builds a session writing to stdout and closes it after fn.
func withSession(ctx context.Context, flags *rootFlags, fn func(*app.Session) error) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}
	s, err := app.New(ctx, cfg, app.Options{Out: os.Stdout}, logger)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer s.Close()
	return fn(s)
}
