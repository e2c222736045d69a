package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackroom/blackroom-client/internal/app"
)

func newChatCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Join the room interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags)
		},
	}
}

func newSendCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <text>...",
		Short: "Send one text message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), flags, func(s *app.Session) error {
				return s.SendText(cmd.Context(), strings.Join(args, " "))
			})
		},
	}
}

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print recent messages of the room",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), flags, func(s *app.Session) error {
				return s.ShowHistory(cmd.Context())
			})
		},
	}
}

func newUploadCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <path>...",
		Short: "Send files to the room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), flags, func(s *app.Session) error {
				results, err := s.Upload(cmd.Context(), args)
				if err != nil {
					return err
				}
				failed := 0
				for _, r := range results {
					if r.Err != nil {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d uploads failed", failed, len(results))
				}
				return nil
			})
		},
	}
}

func newLabelCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "label <name>",
		Short: "Rename this device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), flags, func(s *app.Session) error {
				if err := s.SetLabel(cmd.Context(), strings.Join(args, " ")); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "label set to %s\n", s.Identity().Label)
				return nil
			})
		},
	}
}

func newWhoamiCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show this device's fingerprint and label",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), flags, func(s *app.Session) error {
				id := s.Identity()
				fmt.Fprintf(cmd.OutOrStdout(), "fingerprint: %s\nlabel:       %s\nroom:        %s\n", id.Fingerprint, id.Label, s.Room())
				return nil
			})
		},
	}
}

func runChat(ctx context.Context, flags *rootFlags) error {
	return withSession(ctx, flags, func(s *app.Session) error {
		if err := s.Start(ctx); err != nil {
			return err
		}
		return chatLoop(ctx, s)
	})
}
