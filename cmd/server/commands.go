package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"procgenie/backend/internal/expression"
	"procgenie/backend/internal/graph"
	"procgenie/backend/internal/repository"
	"procgenie/backend/internal/services"
	"procgenie/backend/pkg/models"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := repository.Migrate(cfg.MigrationURL()); err != nil {
				return err
			}
			logger.Info("database migrated", "host", cfg.DB.Host, "database", cfg.DB.Name)
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	var directoryFile string
	cmd := &cobra.Command{
		Use:   "validate <definition.yaml>...",
		Short: "Validate workflow definition documents without publishing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var directory services.DirectoryLookup
			if directoryFile != "" {
				dir, err := services.LoadStaticDirectory(directoryFile)
				if err != nil {
					return err
				}
				directory = dir
			}
			eval := expression.NewEvaluator(directory, 64)

			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				def, err := models.ParseDefinitionYAML(data)
				if err == nil {
					if def.TenantID == "" {
						// Tenancy is stamped at publish time.
						def.TenantID = "validate"
					}
					err = graph.Validate(def, eval)
				}
				if err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
					continue
				}
				failed++
				var invalid *models.DefinitionValidationError
				if errors.As(err, &invalid) {
					for _, p := range invalid.Problems {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, p)
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&directoryFile, "directory", "", "Directory file used to check role and manager references")
	return cmd
}
