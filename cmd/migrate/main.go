package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/lgulliver/freight/migrations"
	"github.com/lgulliver/freight/pkg/config"
	"github.com/lgulliver/freight/pkg/migrate"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		up     = flag.Bool("up", false, "Apply pending migrations")
		down   = flag.Bool("down", false, "Roll back the last migration")
		status = flag.Bool("status", false, "List migrations and when they were applied")
	)
	flag.Parse()

	if !*up && !*down && !*status {
		fmt.Printf("Usage: %s [-up | -down | -status]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	migrator, err := migrate.Open(ctx, &cfg.Database, migrations.FS, ".")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer migrator.Close()

	switch {
	case *up:
		count, err := migrator.Up(ctx)
		if err != nil {
			log.Fatal().Err(err).Int("applied", count).Msg("failed to run migrations")
		}
		log.Info().Int("applied", count).Msg("migrations complete")

	case *down:
		if _, err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to roll back migration")
		}

	case *status:
		list, err := migrator.Status(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read migration status")
		}
		for _, s := range list {
			applied := "pending"
			if s.AppliedAt != nil {
				applied = s.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%03d  %-30s  %s\n", s.Version, s.Name, applied)
		}
	}
}
