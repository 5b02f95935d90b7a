// Package cli implements the fieldgatectl administration commands.
package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/fieldgate/internal/infra/config"
)

const (
	formatJSON = "json"
	formatText = "text"
)

type rootOptions struct {
	configPath string
	dataDir    string
	format     string
}

// NewRootCmd builds the fieldgatectl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "fieldgatectl",
		Short:         "Inspect and maintain a fieldgate installation",
		Long:          "Offline administration for fieldgate: cron checks, cache maintenance, schema migrations and scan modes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch opts.format {
			case formatJSON, formatText:
				return nil
			default:
				return fmt.Errorf("unsupported format %q (expected json or text)", opts.format)
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", fmt.Sprintf("Configuration file (default: $%s or %s)", config.EnvConfigPath, config.DefaultPath))
	root.PersistentFlags().StringVar(&opts.dataDir, "data", "", "Data folder (default: dataFolder from the configuration)")
	root.PersistentFlags().StringVarP(&opts.format, "format", "f", formatJSON, "Output format: json or text")

	root.AddCommand(
		newCronCmd(opts),
		newCacheCmd(opts),
		newMigrateCmd(opts),
		newScanModeCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig(cmd *cobra.Command) (config.AppConfig, error) {
	cfg, err := config.LoadOrDefault(cmd.Context(), config.ResolvePath(o.configPath))
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	if dir := strings.TrimSpace(o.dataDir); dir != "" {
		// The default SQLite database lives in the data folder and follows it.
		if cfg.Database.Driver == config.DriverSQLite && cfg.Database.DSN == filepath.Join(cfg.DataFolder, config.DefaultSQLiteFile) {
			cfg.Database.DSN = filepath.Join(dir, config.DefaultSQLiteFile)
		}
		cfg.DataFolder = dir
	}
	return cfg, nil
}

func (o *rootOptions) print(out io.Writer, v any, text func(io.Writer) error) error {
	if o.format == formatText && text != nil {
		return text(out)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
