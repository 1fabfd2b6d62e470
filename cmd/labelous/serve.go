package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tpwrules/labelous/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the annotation API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		svcs, err := buildServices(ctx)
		if err != nil {
			return err
		}
		defer svcs.close()

		if strings.TrimSpace(svcs.cfg.RedisURL) != "" {
			log.Printf("Using Redis for session storage")
		} else {
			log.Printf("Using PostgreSQL for session storage")
		}

		httpServer := app.NewHTTPServer(svcs.service)
		server := &http.Server{
			Addr:              svcs.cfg.Addr,
			Handler:           httpServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			log.Printf("Labelous API listening on %s", svcs.cfg.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed: %v", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		return nil
	},
}
