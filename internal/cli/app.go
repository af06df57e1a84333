package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hickar/mailpost/internal/app/config"
	"github.com/hickar/mailpost/internal/app/geocode"
	"github.com/hickar/mailpost/internal/app/gitrepo"
	"github.com/hickar/mailpost/internal/app/post"
	"github.com/hickar/mailpost/internal/app/storage"
)

// app holds the pipeline shared by every intake command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    storage.ObjectStore
	composer *post.Composer
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.New(ctx, cfg.Storage, logger.With(slog.String("module", "storage")))
	if err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}

	repo, err := gitrepo.Open(cfg.Repository, logger.With(slog.String("module", "gitrepo")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	publisher := post.NewPublisher(repo, post.PublisherOptions{
		SiteDir:       cfg.Repository.JekyllPrefix,
		PostsDir:      cfg.Repository.PostsDir,
		CommitChanges: cfg.Repository.CommitChanges,
	}, logger.With(slog.String("module", "publisher")))

	composer, err := post.NewComposer(store, newGeocoder(cfg.Geocoder, logger), publisher, post.ComposerOptions{
		ImagePrefix:   cfg.Storage.Prefix,
		Layout:        cfg.Post.Layout,
		Category:      cfg.Post.Category,
		ImageTemplate: *cfg.Post.ImageTemplate,
		HTMLFallback:  cfg.Post.HTMLFallback,
	}, logger.With(slog.String("module", "composer")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		composer: composer,
	}, nil
}

// newGeocoder returns nil when reverse geocoding is disabled.
func newGeocoder(cfg config.GeocoderConfig, logger *slog.Logger) post.Geocoder {
	if cfg.Provider != "opencage" {
		return nil
	}

	return geocode.NewOpenCage(cfg, logger.With(slog.String("module", "geocoder")))
}

func (a *app) Close() error {
	return a.store.Close()
}
