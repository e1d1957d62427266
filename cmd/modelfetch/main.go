package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wavespeed/modelfetch/internal/adapter/filestore"
	"github.com/wavespeed/modelfetch/internal/adapter/sqlite"
	"github.com/wavespeed/modelfetch/internal/config"
	"github.com/wavespeed/modelfetch/internal/domain"
	"github.com/wavespeed/modelfetch/internal/downloader"
	"github.com/wavespeed/modelfetch/internal/logger"
	"github.com/wavespeed/modelfetch/internal/port"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	destDir := flag.String("dest", "", "Destination directory (overrides config)")
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: modelfetch [flags] <url> [<url> ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *destDir != "" {
		cfg.Download.DestDir = *destDir
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting modelfetch",
		zap.String("version", version),
		zap.Int("downloads", len(urls)),
		zap.String("dest_dir", cfg.Download.DestDir))

	store := filestore.NewManager()

	// Part files abandoned long ago are never going to be resumed.
	if n, err := store.CleanStaleParts(cfg.Download.DestDir, cfg.Download.GetStalePartMaxAge()); err != nil {
		log.Warn("stale part cleanup failed", zap.Error(err))
	} else if n > 0 {
		log.Info("removed stale part files", zap.Int("count", n))
	}

	var tasks port.DownloadTaskRepository
	if cfg.Database.Path != "" {
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			log.Fatal("failed to open task database", zap.Error(err), zap.String("path", cfg.Database.Path))
		}
		defer db.Close()
		tasks = db
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{}
	dlCfg := &downloader.Config{
		RetryBackoff:     cfg.Download.GetRetryBackoff(),
		ProgressInterval: cfg.Download.GetProgressInterval(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Download.ConcurrentDownloads)

	for _, rawURL := range urls {
		rawURL := rawURL
		g.Go(func() error {
			name, err := artifactName(rawURL)
			if err != nil {
				return fmt.Errorf("invalid url %q: %w", rawURL, err)
			}
			destPath := filepath.Join(cfg.Download.DestDir, name)

			d := downloader.New(client, store, tasks, log, dlCfg)
			req := domain.DownloadRequest{
				URL:            rawURL,
				DestPath:       destPath,
				ChunkSize:      cfg.Download.GetChunkSize(),
				ConnectTimeout: cfg.Download.GetConnectTimeout(),
				MaxRetries:     cfg.Download.MaxRetries,
				MinValidSize:   cfg.Download.GetMinValidSize(),
				OnProgress: func(p domain.DownloadProgress) {
					log.Info("download progress",
						zap.String("file", name),
						zap.Int("percent", p.Percent),
						zap.String("detail", p.Detail))
				},
			}

			result, err := d.Download(gctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}

			log.Info("artifact ready",
				zap.String("file", result.FilePath),
				zap.String("size", humanize.Bytes(uint64(result.BytesWritten))),
				zap.Bool("resumed", result.Resumed))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("download failed", zap.Error(err))
		os.Exit(1)
	}

	log.Info("all downloads completed")
}

// artifactName derives the local file name from the URL path.
func artifactName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("no file name in url path")
	}
	return name, nil
}
