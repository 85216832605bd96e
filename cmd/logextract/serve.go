package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/logextract/backend/internal/api"
	"github.com/logextract/backend/internal/bus"
	"github.com/logextract/backend/internal/history"
	"github.com/logextract/backend/internal/pipeline"
	"github.com/logextract/backend/internal/state"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and event stream",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		b := bus.New()
		st := state.NewManager(b)

		p, err := pipeline.New(cfg, b, st, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize pipeline: %v\n", err)
			os.Exit(1)
		}
		defer p.Close()

		if err := p.LoadSnapshot(); err != nil {
			fmt.Printf("Warning: could not restore previous run state: %v\n", err)
		}

		archive, err := history.Open(cfg.Storage.HistoryDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open upload history: %v\n", err)
			os.Exit(1)
		}
		defer archive.Close()
		p.AttachArchive(archive)

		if cfg.Scan.Watch {
			if err := p.StartWatch(); err != nil {
				fmt.Printf("Warning: watch mode unavailable: %v\n", err)
			}
		}

		h := api.NewHandler(p, st, archive, Version)
		ws := api.NewWebSocketHandler(b)

		e := echo.New()
		e.HideBanner = true
		e.HTTPErrorHandler = api.ErrorHandler

		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Skipper: func(c echo.Context) bool {
				path := c.Request().URL.Path
				return path == "/health" || strings.HasPrefix(path, "/api/ws")
			},
		}))
		e.Use(middleware.Recover())
		e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

		if cfg.Server.EnableCORS {
			origins := strings.Split(cfg.Server.AllowOrigins, ",")
			for i := range origins {
				origins[i] = strings.TrimSpace(origins[i])
			}
			if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
				origins = []string{"*"}
			}
			e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
				AllowOrigins: origins,
				AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
			}))
		}

		api.RegisterRoutes(e, h, ws)

		// A failed listen funnels through the same shutdown path as a
		// signal so the snapshot save and deferred closes still run.
		serveErr := make(chan error, 1)
		go func() {
			addr := cfg.ServerAddr()
			fmt.Printf("[Server] Listening on %s\n", addr)
			if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
				serveErr <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		select {
		case <-quit:
			fmt.Println("[Server] Shutting down")
		case err := <-serveErr:
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		}

		p.CancelScan()
		p.CancelUpload()
		if err := p.SaveSnapshot(); err != nil {
			fmt.Printf("Warning: could not save run state: %v\n", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
