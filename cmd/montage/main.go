package main

import (
	"context"
	"fmt"
	"os"

	"montage/internal/align"
	"montage/internal/cli"
	"montage/internal/config"
	"montage/internal/feature"
	"montage/internal/feature/cvsift"
	"montage/internal/logging"
	"montage/internal/pipeline"
	"montage/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		return 1
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		logging.New(cfg.Logging.Level, cfg.Logging.Format).Error("failed to set up logging", "error", err)
		return 1
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		log.Error("failed to open storage", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	extractor, err := newExtractor(cfg.Alignment.Extractor)
	if err != nil {
		log.Error("invalid alignment configuration", "error", err)
		return 1
	}
	engine := align.New(extractor, log)
	engine.SetWorkers(cfg.Alignment.Workers)

	ctx := context.Background()
	pipe := pipeline.New(ctx, cfg.Processing, log, store, &cfg.Alignment, engine)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

func newExtractor(name string) (feature.Extractor, error) {
	switch name {
	case "", "sift":
		return cvsift.New(), nil
	default:
		return nil, fmt.Errorf("unknown feature extractor %q", name)
	}
}
