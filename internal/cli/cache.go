package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/coachpo/fieldgate/internal/app/engine"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/cache"
)

type cacheOptions struct {
	*rootOptions
	north string
}

func newCacheCmd(root *rootOptions) *cobra.Command {
	opts := &cacheOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and repair destination caches while the gateway is stopped",
	}
	cmd.PersistentFlags().StringVarP(&opts.north, "north", "n", "", "Destination id (required)")
	_ = cmd.MarkPersistentFlagRequired("north")

	cmd.AddCommand(
		newCacheStatsCmd(opts),
		newCacheListCmd(opts),
		newCacheRetryCmd(opts),
		newCachePurgeCmd(opts),
	)
	return cmd
}

func newCacheStatsCmd(opts *cacheOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show item counts and sizes per area",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			set, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer set.Close()

			state := set.State()
			return opts.print(cmd.OutOrStdout(), state, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "AREA\tITEMS\tSIZE")
				fmt.Fprintf(tw, "cache\t%d\t%s\n", state.PendingCount, datasize.ByteSize(state.PendingSize).HR())
				fmt.Fprintf(tw, "error\t%d\t%s\n", state.ErrorCount, datasize.ByteSize(state.ErrorSize).HR())
				fmt.Fprintf(tw, "archive\t%d\t%s\n", state.ArchiveCount, datasize.ByteSize(state.ArchiveSize).HR())
				return tw.Flush()
			})
		},
	}
}

func newCacheListCmd(opts *cacheOptions) *cobra.Command {
	var (
		filter     cache.Filter
		typ, areaF string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the items of an area",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			area, err := parseArea(areaF)
			if err != nil {
				return err
			}
			filter.ContentType = content.Type(typ)
			set, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer set.Close()

			items, err := set.List(area, filter)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), items, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSOURCE\tELEMENTS\tSIZE\tCREATED\tATTEMPTS\tERROR")
				for _, m := range items {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
						m.ID, m.Name(), m.ContentType, m.Source, m.NumberOfElements,
						datasize.ByteSize(m.ContentSize).HR(), m.CreatedAt.Format(time.RFC3339), m.Attempts, m.LastError)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&areaF, "area", "a", string(content.AreaCache), "Area: cache, error or archive")
	cmd.Flags().StringVar(&filter.Source, "source", "", "Only items from this source")
	cmd.Flags().StringVar(&filter.NameContains, "name", "", "Only items whose name contains this text")
	cmd.Flags().StringVar(&typ, "type", "", "Only items of this content type")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum number of items")
	return cmd
}

func newCacheRetryCmd(opts *cacheOptions) *cobra.Command {
	var (
		all   bool
		areaF string
	)
	cmd := &cobra.Command{
		Use:   "retry [id...]",
		Short: "Move error or archive items back to the cache with a fresh retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			area, err := parseArea(areaF)
			if err != nil {
				return err
			}
			if area == content.AreaCache {
				return errors.New("only error or archive items can be retried")
			}
			return opts.mutate(cmd, area, args, all, "retried", func(set *cache.Set, ids []uint64) (int, error) {
				moved, err := set.Move(area, content.AreaCache, ids, engine.ResetForRetry)
				return len(moved), err
			})
		},
	}
	cmd.Flags().StringVarP(&areaF, "area", "a", string(content.AreaError), "Area: error or archive")
	cmd.Flags().BoolVar(&all, "all", false, "Retry every item of the area")
	return cmd
}

func newCachePurgeCmd(opts *cacheOptions) *cobra.Command {
	var (
		all   bool
		areaF string
	)
	cmd := &cobra.Command{
		Use:   "purge [id...]",
		Short: "Delete items of an area",
		RunE: func(cmd *cobra.Command, args []string) error {
			area, err := parseArea(areaF)
			if err != nil {
				return err
			}
			return opts.mutate(cmd, area, args, all, "removed", func(set *cache.Set, ids []uint64) (int, error) {
				removed, err := set.Remove(area, ids)
				return len(removed), err
			})
		},
	}
	cmd.Flags().StringVarP(&areaF, "area", "a", string(content.AreaError), "Area: cache, error or archive")
	cmd.Flags().BoolVar(&all, "all", false, "Delete every item of the area")
	return cmd
}

// mutate resolves the target ids and applies fn to them.
func (o *cacheOptions) mutate(cmd *cobra.Command, area content.Area, args []string, all bool, verb string, fn func(*cache.Set, []uint64) (int, error)) error {
	if all == (len(args) > 0) {
		return errors.New("pass item ids or --all")
	}
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	set, err := o.open(cmd)
	if err != nil {
		return err
	}
	defer set.Close()

	if all {
		items, err := set.List(area, cache.Filter{})
		if err != nil {
			return err
		}
		for _, m := range items {
			ids = append(ids, m.ID)
		}
	}
	n, err := fn(set, ids)
	result := map[string]any{"north": o.north, "area": area, verb: n}
	if printErr := o.print(cmd.OutOrStdout(), result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s %d item(s) from %s\n", verb, n, area)
		return err
	}); printErr != nil {
		return printErr
	}
	return err
}

func parseArea(text string) (content.Area, error) {
	area := content.Area(text)
	if !area.Valid() {
		return "", fmt.Errorf("unknown area %q", text)
	}
	return area, nil
}

// open locks the destination cache. It fails while a gateway holds the lock.
func (o *cacheOptions) open(cmd *cobra.Command) (*cache.Set, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	dir := engine.NorthDir(cfg.DataFolder, o.north)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no cache for destination %q under %s", o.north, cfg.DataFolder)
	}
	return cache.Open(o.north, dir)
}

func parseIDs(args []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid item id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
