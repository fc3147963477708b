package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	redisstore "github.com/shpitdev/formfill-pipeline/internal/store/redis"
)

var statusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Show the latest progress of a batch from Redis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.RedisURL == "" {
			return configError(errors.New("status needs REDIS_URL or store.redis_url"))
		}

		ctx := cmd.Context()
		rdb, err := redisstore.NewClient(ctx, cfg.Store.RedisURL)
		if err != nil {
			return runError(err)
		}
		defer func() {
			_ = rdb.Close()
		}()
		store := redisstore.NewProgressStore(rdb, redisstore.WithPrefix(cfg.Store.RedisPrefix))

		batchID := args[0]
		latest, ok, err := store.Latest(ctx, batchID)
		if err != nil {
			return runError(err)
		}
		if !ok {
			return runError(fmt.Errorf("no progress recorded for batch %s", batchID))
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintf(w, "BATCH\t%s\n", batchID)
		_, _ = fmt.Fprintf(w, "LAST EVENT\t%s\n", latest.Type)
		_, _ = fmt.Fprintf(w, "MESSAGE\t%s\n", latest.Message)
		_, _ = fmt.Fprintf(w, "PROGRESS\t%d/%d (%d%%)\n", latest.Current, latest.Total, latest.Percent)
		_, _ = fmt.Fprintf(w, "UPDATED\t%s\n", latest.Timestamp.Format("2006-01-02 15:04:05"))

		if sum, ok, err := store.Summary(ctx, batchID); err != nil {
			return runError(err)
		} else if ok {
			_, _ = fmt.Fprintf(w, "SUCCESSFUL\t%d\n", sum.Successful)
			_, _ = fmt.Fprintf(w, "FAILED\t%d\n", sum.Failed)
			_, _ = fmt.Fprintf(w, "SKIPPED\t%d\n", sum.Skipped)
			_, _ = fmt.Fprintf(w, "CANCELLED\t%t\n", sum.Cancelled)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
