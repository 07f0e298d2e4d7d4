package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/secchiware/internal/config"
	"github.com/dreamware/secchiware/internal/database"
	"github.com/dreamware/secchiware/internal/memstore"
	"github.com/dreamware/secchiware/internal/nodeclient"
	"github.com/dreamware/secchiware/internal/repository"
	"github.com/dreamware/secchiware/internal/server"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("coordinator failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	cache := memstore.Connect(memstore.Options{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	defer cache.Close()

	ctx := context.Background()
	if err := cache.Ping(ctx); err != nil {
		return err
	}

	repo := repository.New(cfg.TestsPath)
	if err := setup(ctx, repo, cache); err != nil {
		return err
	}

	srv := server.New(
		log,
		db,
		cache,
		repo,
		nodeclient.New(cfg.NodeSecret),
		cfg.ClientSecret,
		cfg.NodeSecret,
	)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("coordinator listening", zap.String("addr", cfg.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errs:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.StopActiveEnvironments(shutdownCtx); err != nil {
		log.Error("stopping active environments", zap.Error(err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	log.Info("coordinator stopped")
	return nil
}

// setup ensures the on-disk repository root exists and primes the cache
// mirror with the manifests of everything on disk.
func setup(ctx context.Context, repo *repository.Repository, cache *memstore.Store) error {
	if err := repo.EnsureRoot(); err != nil {
		return err
	}
	manifests, err := repo.Manifests()
	if err != nil {
		return err
	}
	entries := make([]memstore.Entry, 0, len(manifests))
	for _, manifest := range manifests {
		encoded, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		entries = append(entries, memstore.Entry{Name: manifest.Name, Manifest: encoded})
	}
	return cache.PrimeRepository(ctx, entries)
}
