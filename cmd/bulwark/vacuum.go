package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/bulwark/internal/store"
	"github.com/rendis/bulwark/internal/validation"
)

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact the durable store",
	Long: `Applies pending migrations to the database at db_path, then runs VACUUM to
reclaim the pages left behind by archived workflows. Run it while serve is
stopped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		if dbPath == "" {
			validator, err := validation.NewJSONSchemaValidator()
			if err != nil {
				return err
			}
			flagPath, _ := cmd.Flags().GetString("config")
			path, explicit := resolveConfigPath(flagPath, os.Getenv)
			cfg, _, err := loadConfig(path, explicit, validator, os.Getenv)
			if err != nil {
				return err
			}
			dbPath = cfg.DBPath
		}
		if dbPath == "" {
			return fmt.Errorf("no db_path configured")
		}
		return vacuumStore(cmd.Context(), cmd.OutOrStdout(), dbPath)
	},
}

func init() {
	rootCmd.AddCommand(vacuumCmd)
	vacuumCmd.Flags().String("db", "", "Database to compact (default: db_path from the config)")
}

func vacuumStore(ctx context.Context, w io.Writer, dbPath string) error {
	s, err := store.NewLibSQLStore(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	if err := s.Vacuum(ctx); err != nil {
		return fmt.Errorf("vacuum %s: %w", dbPath, err)
	}
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: vacuumed (schema version %d)\n", dbPath, version)
	return nil
}
