package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
	"github.com/TONresistor/teleton-agent-sub000/internal/store"
)

func offsetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offsets",
		Short: "Inspect or reset per-chat processing checkpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the highest handled message id of every chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.db.Close()

			records, err := st.offsets.ListOffsets(ctx)
			if err != nil {
				return fmt.Errorf("list offsets: %w", err)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no offsets recorded")
				return nil
			}
			return writeOffsetTable(cmd.OutOrStdout(), records, func(chatID int64) string {
				conv, err := st.feed.GetConversation(ctx, chatID)
				if err != nil {
					if !errors.Is(err, store.ErrNotFound) {
						logger.Warn("conversation lookup failed", "chat_id", chatID, "error", err)
					}
					return ""
				}
				return conv.Title
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset [chat-id]",
		Short: "Forget a chat's checkpoint so redelivered messages are processed again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q: %w", args[0], err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.db.Close()

			if err := st.offsets.ResetOffset(ctx, chatID); err != nil {
				return fmt.Errorf("reset offset: %w", err)
			}
			logger.Info("offset reset", "chat_id", chatID)
			return nil
		},
	})

	return cmd
}

// writeOffsetTable prints one row per checkpoint. title resolves a chat's
// display name; an empty result prints as "-".
func writeOffsetTable(w io.Writer, records []domain.OffsetRecord, title func(int64) string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAT\tTITLE\tMESSAGE\tUPDATED")
	for _, r := range records {
		name := title(r.ChatID)
		if name == "" {
			name = "-"
		}
		updated := "-"
		if !r.UpdatedAt.IsZero() {
			updated = r.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", r.ChatID, name, r.MessageID, updated)
	}
	return tw.Flush()
}
