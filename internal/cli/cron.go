package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/fieldgate/internal/infra/cron"
)

func newCronCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Work with scan mode cron expressions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "verify <expression>",
		Short:   "Validate a cron expression and show its next executions",
		Example: `  fieldgatectl cron verify "*/10 * * * * *"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := cron.Verify(strings.Join(args, " "), time.Now())
			if err := opts.print(cmd.OutOrStdout(), v, func(w io.Writer) error {
				return writeVerification(w, v)
			}); err != nil {
				return err
			}
			if !v.IsValid {
				return fmt.Errorf("invalid cron expression: %s", v.ErrorMessage)
			}
			return nil
		},
	})
	return cmd
}

func writeVerification(w io.Writer, v cron.Verification) error {
	if !v.IsValid {
		_, err := fmt.Fprintf(w, "invalid: %s\n", v.ErrorMessage)
		return err
	}
	if _, err := fmt.Fprintln(w, v.HumanReadable); err != nil {
		return err
	}
	for _, at := range v.NextExecutions {
		if _, err := fmt.Fprintf(w, "  %s\n", at.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}
