package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/bubbles/internal/api"
	"github.com/manpreetbhatti/bubbles/internal/config"
	"github.com/manpreetbhatti/bubbles/internal/db"
	"github.com/manpreetbhatti/bubbles/internal/logger"
	"github.com/manpreetbhatti/bubbles/internal/metrics"
	"github.com/manpreetbhatti/bubbles/internal/recorder"
	"github.com/manpreetbhatti/bubbles/internal/ws"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Log.WithError(err).Fatal("Invalid configuration")
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log := logger.Log

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}

	rec := recorder.New(database, cfg.Recorder(), log.WithField("component", "recorder"))
	rec.Start()

	m := metrics.New(prometheus.DefaultRegisterer)

	hub, err := ws.NewHub(cfg.Transport(), cfg.Engine(), log.WithField("component", "relay"), m, rec)
	if err != nil {
		log.WithError(err).Fatal("Failed to create relay")
	}
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	apiHandler := api.New(hub, database)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})
	mux.HandleFunc("/health", apiHandler.HealthHandler)
	mux.HandleFunc("/api/stats", apiHandler.StatsHandler)
	mux.HandleFunc("/api/rooms", apiHandler.RoomsRouter)
	mux.HandleFunc("/api/rooms/", apiHandler.RoomsRouter)
	mux.HandleFunc("/api/sessions", apiHandler.SessionsHandler)
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllow,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		fields := log.WithFields(logrus.Fields{
			"addr": cfg.HTTPAddr,
			"db":   cfg.DBPath,
			"tls":  cfg.TLS(),
		})
		fields.Info("Bubbles server starting")

		var err error
		if cfg.TLS() {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("ListenAndServe failed")
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	if err := hub.PlotStatistics(ctx, os.Stdout); err != nil {
		log.WithError(err).Warn("Failed to print relay statistics")
	}

	stopHub()
	<-hubDone

	rec.Stop()
	if err := database.Close(); err != nil {
		log.WithError(err).Warn("Failed to close database")
	}
	log.Info("Server stopped")
}
