// Command seed imports the directory servers of a definitions file into
// the database, for deployments that read servers from there.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"

	"ldapauth/internal/config"
	"ldapauth/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	path := flag.String("definitions", cfg.DefinitionsFile, "definitions file to import")
	prune := flag.Bool("prune", false, "delete stored servers missing from the file")
	flag.Parse()

	log := hclog.New(&hclog.LoggerOptions{Name: "seed", Level: hclog.LevelFromString(cfg.LogLevel), JSONFormat: cfg.LogJSON})
	if err := run(context.Background(), cfg, *path, *prune, log); err != nil {
		log.Error("seed failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, path string, prune bool, log hclog.Logger) error {
	defs, err := config.LoadDefinitions(path)
	if err != nil {
		return err
	}

	db, err := storage.NewDB(ctx, cfg.DBURL, "", 0, 0)
	if err != nil {
		return err
	}
	defer db.Close()

	servers := storage.NewServerRepo(db, storage.NewSecretBox(cfg.SecretsKey))
	seen := map[string]bool{}
	for _, s := range defs.Servers {
		if err := servers.Upsert(ctx, s); err != nil {
			return err
		}
		seen[s.ID] = true
		log.Info("stored server", "server_id", s.ID, "address", s.Address, "enabled", s.Enabled)
	}

	if prune {
		stored, err := servers.List(ctx)
		if err != nil {
			return err
		}
		for _, s := range stored {
			if seen[s.ID] {
				continue
			}
			if err := servers.Delete(ctx, s.ID); err != nil {
				return err
			}
			log.Info("removed server", "server_id", s.ID)
		}
	}
	return nil
}
