package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/importer"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/repository"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import YAML rule files",
	Long: `Load every .yml and .yaml file in a directory, validate the rules and
upsert them into the rules database. Rules without an id get a stable id
derived from their space and name.`,
	RunE: runImport,
}

var (
	importDir    string
	importDryRun bool
)

func init() {
	importCmd.Flags().StringVar(&importDir, "dir", "", "rules directory (default: engine.rules_dir)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "validate only, do not write")
}

func runImport(cmd *cobra.Command, _ []string) error {
	dir := importDir
	if dir == "" {
		dir = cfg.Engine.RulesDir
	}

	defaults := importer.DefaultDefaults()
	defaults.SpaceID = cfg.Engine.DefaultSpace

	rules, err := importer.LoadDir(dir, defaults)
	if err != nil {
		return err
	}

	if importDryRun {
		for _, r := range rules {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", r.SpaceID, r.ID, r.Type, r.Name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d rules valid\n", len(rules))
		return nil
	}

	repo, err := repository.NewPostgresRepository(cmd.Context(), cfg.Database.Postgres.ConnString())
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer repo.Close()

	n, err := importer.Import(cmd.Context(), repo, rules, logger)
	fmt.Fprintf(cmd.OutOrStdout(), "%d rules imported\n", n)
	return err
}
