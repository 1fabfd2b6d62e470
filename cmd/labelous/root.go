package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tpwrules/labelous/internal/app"
	"github.com/tpwrules/labelous/internal/authpw"
	"github.com/tpwrules/labelous/internal/config"
	"github.com/tpwrules/labelous/internal/scores"
	"github.com/tpwrules/labelous/internal/session"
	"github.com/tpwrules/labelous/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "labelous",
	Short:         "Collaborative image annotation backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rescoreCmd)
	rootCmd.AddCommand(reviewImagesCmd)
}

// services bundles everything a command needs plus the cleanup to run
// when it is done.
type services struct {
	cfg     config.Config
	service *app.Service
	close   func()
}

func buildServices(ctx context.Context) (*services, error) {
	cfg := config.Load()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	closers := []func(){func() { db.Close() }}

	if err := store.ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	passwords := authpw.NewService(dataStore)
	scoreTable := scores.NewTable(scores.FileLoader(cfg.ScoresPath), cfg.ScoreCacheTTL)

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		closers = append(closers, func() { redisStore.Close() })
		service = app.New(cfg, dataStore, redisStore, passwords, scoreTable)
	} else {
		service = app.New(cfg, dataStore, dataStore, passwords, scoreTable)
	}

	return &services{
		cfg:     cfg,
		service: service,
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}
