package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/comigor/chatcore/internal/config"
	"github.com/comigor/chatcore/internal/history"
	"github.com/comigor/chatcore/internal/insight"
	"github.com/comigor/chatcore/internal/logger"
	"github.com/comigor/chatcore/internal/session"
)

// storage is the message store, session directory and insight store picked
// at startup.
type storage struct {
	backend   string
	catalog   history.Catalog
	directory session.Directory
	insights  insight.Store
}

func (s *storage) Close(ctx context.Context) {
	if err := s.directory.Close(); err != nil {
		logger.L.Warn("failed to close session directory", "error", err)
	}
	if err := s.catalog.Close(ctx); err != nil {
		logger.L.Warn("failed to close message store", "error", err)
	}
}

// openStorage builds the configured backend. "auto" uses Mongo when a URI is
// set and reachable, and local files otherwise. The directory is always
// wrapped so its failures degrade to store-derived or in-process pointers.
func openStorage(ctx context.Context, cfg config.StorageConfig, collections map[string]string, opts session.Options) (*storage, error) {
	backend := cfg.Backend
	if backend == config.BackendAuto {
		backend = config.BackendFile
		if cfg.Mongo.URI != "" {
			backend = config.BackendMongo
		}
	}

	var (
		s   *storage
		err error
	)
	switch backend {
	case config.BackendMongo:
		s, err = openMongo(ctx, cfg, collections, opts)
		if err != nil && cfg.Backend == config.BackendAuto {
			logger.L.Warn("mongo unavailable; using local file storage", "error", err)
			s, err = openFile(ctx, cfg, opts)
		}
	case config.BackendFile:
		s, err = openFile(ctx, cfg, opts)
	case config.BackendMemory:
		s = &storage{
			backend:   config.BackendMemory,
			catalog:   history.NewMemoryCatalog(),
			directory: session.NewMemory(opts),
			insights:  insight.NewMemory(),
		}
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	s.directory = session.NewFallback(s.directory, s.catalog, opts)
	logger.L.Info("storage ready", "backend", s.backend)
	return s, nil
}

func openMongo(ctx context.Context, cfg config.StorageConfig, collections map[string]string, opts session.Options) (*storage, error) {
	client, err := history.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	db := client.Database(cfg.Mongo.Database)
	return &storage{
		backend:   config.BackendMongo,
		catalog:   history.NewMongoCatalog(client, cfg.Mongo.Database, collections, cfg.Timeout),
		directory: session.NewMongo(db.Collection(cfg.Mongo.DirectoryCollection), cfg.Timeout, opts),
		insights:  insight.NewMongo(db.Collection(cfg.Mongo.InsightsCollection), cfg.Timeout),
	}, nil
}

func openFile(ctx context.Context, cfg config.StorageConfig, opts session.Options) (*storage, error) {
	catalog, err := history.NewFileCatalog(cfg.File.Dir)
	if err != nil {
		return nil, err
	}
	dir, err := session.OpenSQLite(ctx, cfg.SQLite.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("open session directory: %w", err)
	}
	return &storage{
		backend:   config.BackendFile,
		catalog:   catalog,
		directory: dir,
		insights:  insight.NewFile(filepath.Join(cfg.File.Dir, "_insights")),
	}, nil
}
