package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"path"

	"github.com/jackc/pgx/v5/pgxpool"

	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/config"
	"procgenie/backend/internal/expression"
	"procgenie/backend/internal/graph"
	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/repository"
	"procgenie/backend/pkg/models"
)

//go:embed definitions/*.yaml
var definitionsFS embed.FS

func main() {
	ctx := context.Background()

	configFile := flag.String("config", "", "Path to config file")
	tenant := flag.String("tenant", "localhost", "Tenant receiving the sample definitions")
	force := flag.Bool("force", false, "Publish a new version even when the category is already active")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.NewLogger(cfg.Log.Level, true)
	defer logger.Sync()

	// Connect to DB
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := graph.NewStore(repository.NewPostgresStore(pool), expression.NewEvaluator(nil, 64), clock.Real{}, nil, logger, 16)
	published, err := seed(ctx, store, *tenant, *force, logger)
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	logger.Info("Seeding complete", "tenant", *tenant, "published", published)
}

// loadDefinitions parses every embedded definition document.
func loadDefinitions() ([]*models.WorkflowDefinition, error) {
	files, err := fs.Glob(definitionsFS, "definitions/*.yaml")
	if err != nil {
		return nil, err
	}
	var defs []*models.WorkflowDefinition
	for _, name := range files {
		data, err := definitionsFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		def, err := models.ParseDefinitionYAML(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(name), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// seed publishes the sample definitions for tenant. Categories that already
// have an active definition are left alone unless force is set.
func seed(ctx context.Context, store *graph.Store, tenant string, force bool, logger *logging.Logger) (int, error) {
	defs, err := loadDefinitions()
	if err != nil {
		return 0, err
	}

	published := 0
	for _, def := range defs {
		def.TenantID = tenant
		def.CreatedBy = "seed"

		if !force {
			_, err := store.GetActiveDefinition(ctx, tenant, def.Category)
			if err == nil {
				logger.Info("Definition already active, skipping", "category", def.Category)
				continue
			}
			if !errors.Is(err, models.ErrNotFound) {
				return published, err
			}
		}

		version, err := store.Publish(ctx, def)
		if err != nil {
			return published, fmt.Errorf("publish %s: %w", def.Category, err)
		}
		logger.Info("Published definition", "definition_id", def.ID, "category", def.Category, "version", version)
		published++
	}
	return published, nil
}
