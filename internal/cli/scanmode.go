package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/fieldgate/internal/infra/cron"
	"github.com/coachpo/fieldgate/internal/infra/persistence"
)

func newScanModeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "scanmode",
		Aliases: []string{"scanmodes"},
		Short:   "Inspect persisted scan modes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scan modes with their next execution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := persistence.Open(cmd.Context(), cfg.Database, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			modes, err := store.ScanModes().List(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), modes, func(w io.Writer) error {
				now := time.Now()
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tCRON\tNEXT")
				for _, m := range modes {
					next := "-"
					if sched, err := cron.Parse(m.Cron); err == nil {
						next = sched.Next(now).Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Cron, next)
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}

func contextWithTimeout(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
