package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ponyo877/chatrelay/server/config"
	"github.com/ponyo877/chatrelay/server/domain"
	"github.com/ponyo877/chatrelay/server/repository"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <room>",
	Short: "Print a room's recent messages from the history store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		pattern, _ := cmd.Flags().GetString("grep")
		return printHistory(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], limit, pattern)
	},
}

func printHistory(ctx context.Context, out io.Writer, cfg config.Config, room string, limit int, pattern string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := repository.Open(ctx, cfg.Store, config.NewLogger(cfg.Log, os.Stderr))
	if err != nil {
		return err
	}
	defer store.Close()

	var records []domain.MessageRecord
	if pattern != "" {
		searcher, ok := store.(interface {
			Search(ctx context.Context, room, pattern string, limit int) ([]domain.MessageRecord, error)
		})
		if !ok {
			return fmt.Errorf("--grep needs the %s store, not %s", config.DriverSQLite, cfg.Store.Driver)
		}
		records, err = searcher.Search(ctx, room, pattern, limit)
	} else {
		records, err = store.QueryRecent(ctx, room, limit)
	}
	if err != nil {
		return err
	}

	for _, record := range records {
		fmt.Fprintln(out, record.String())
	}
	return nil
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntP("limit", "n", 100, "number of messages to print")
	historyCmd.Flags().String("grep", "", "only messages matching this regular expression (sqlite store)")
}
