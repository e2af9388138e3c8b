package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/vehicleingest/internal/core"
	"github.com/JonMunkholm/vehicleingest/internal/store"
)

// Migration flags
const stepsFlag = "steps"

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
		Long: `Apply the embedded schema migrations to DATABASE_URL.

Examples:
  vehicleingest migrate              # migrate all the way up
  vehicleingest migrate --steps 1    # apply one migration
  vehicleingest migrate --steps -1   # roll back one migration`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.UsesMemoryStore() {
				return exitf("migrate: DATABASE_URL is not set")
			}
			steps, _ := cmd.Flags().GetInt(stepsFlag)
			return store.Migrate(cfg.Database.URL, steps, slog.Default())
		},
	}
	cmd.Flags().Int(stepsFlag, 0, "Number of migrations to apply (negative rolls back); 0 applies all")
	return cmd
}

// Template flags
const (
	formatFlag = "format"
	outputFlag = "output"
)

func newTemplateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Write the empty upload template to a file",
		Long: `Write the vehicle upload template with its header row.

Examples:
  vehicleingest template                          # vehicle-upload-template.xlsx
  vehicleingest template --format csv -o ./out    # ./out/vehicle-upload-template.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, _ := cmd.Flags().GetString(formatFlag)
			ft, err := core.ParseFileType(format)
			if err != nil {
				return exitf("template: %v", err)
			}

			f, err := core.DownloadTemplate(ft)
			if err != nil {
				return exitf("template: %v", err)
			}

			dir, _ := cmd.Flags().GetString(outputFlag)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return exitf("template: %v", err)
			}
			path := filepath.Join(dir, f.FileName)
			if err := os.WriteFile(path, f.Data, 0o644); err != nil {
				return exitf("template: %v", err)
			}
			cmd.Println(path)
			return nil
		},
	}
	cmd.Flags().String(formatFlag, "xlsx", "Template format (xlsx, csv)")
	cmd.Flags().StringP(outputFlag, "o", ".", "Directory where the template is written")
	return cmd
}
