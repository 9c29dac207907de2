package main

import (
	"context"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"

	"ldapauth/internal/config"
	"ldapauth/internal/storage"
	"ldapauth/migrations"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := hclog.New(&hclog.LoggerOptions{Name: "migrate", Level: hclog.LevelFromString(cfg.LogLevel), JSONFormat: cfg.LogJSON})
	ctx := context.Background()

	db, err := storage.NewDB(ctx, cfg.DBURL, "", 0, 0)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	files, err := migrations.All()
	if err != nil {
		log.Error("read migrations", "error", err)
		os.Exit(1)
	}

	for _, f := range files {
		log.Info("applying migration", "file", f.Name)
		if _, err := db.Writer().Exec(ctx, f.Content); err != nil {
			log.Error("apply migration", "file", f.Name, "error", err)
			db.Close()
			os.Exit(1)
		}
	}

	log.Info("migrations applied", "files", len(files))
}
