package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eargollo/lookalike/internal/api"
	"github.com/eargollo/lookalike/internal/auth"
	"github.com/eargollo/lookalike/internal/config"
	"github.com/eargollo/lookalike/internal/render"
	"github.com/eargollo/lookalike/internal/scan"
	"github.com/eargollo/lookalike/internal/scheduler"
	"github.com/eargollo/lookalike/internal/session"
	"github.com/eargollo/lookalike/internal/store"
	"github.com/eargollo/lookalike/internal/store/drive"
	"github.com/eargollo/lookalike/internal/store/gcs"
	"github.com/eargollo/lookalike/internal/store/s3"
	"github.com/eargollo/lookalike/internal/workarea"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	referencePath := flag.String("reference", "", "optional PDF to use as the reference at startup")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// ── Logging (initial, replaced once config is loaded) ─────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// ── Config ─────────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("lookalike starting",
		"version", version,
		"log_level", cfg.LogLevel,
		"http_addr", cfg.HTTPAddr,
		"store", cfg.Store.Kind,
		"threshold", cfg.Scan.ThresholdValue())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Leftovers from crashed sessions ────────────────────────────────────
	if _, err := workarea.SweepStale(cfg.WorkDirParent, cfg.StaleAfter()); err != nil {
		slog.Warn("sweep stale working areas", "error", err)
	}

	// ── Remote store ───────────────────────────────────────────────────────
	client, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("open store", "kind", cfg.Store.Kind, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	renderer := &render.Poppler{
		Path:    cfg.Scan.PdftoppmPath,
		DPI:     cfg.Scan.RenderDPI,
		TempDir: cfg.WorkDirParent,
	}

	// ── Session ────────────────────────────────────────────────────────────
	opts := scan.DefaultOptions()
	opts.Threshold = cfg.Scan.ThresholdValue()
	opts.ThumbWidth = cfg.Scan.ThumbnailWidth
	opts.ThumbHeight = cfg.Scan.ThumbnailHeight

	sess, err := session.New(ctx, client, renderer, session.Config{
		WorkDirParent: cfg.WorkDirParent,
		Scan:          opts,
	})
	if err != nil {
		slog.Error("start session", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			slog.Warn("close session", "error", err)
		}
	}()

	if *referencePath != "" {
		if err := loadReference(ctx, sess, *referencePath); err != nil {
			slog.Error("load reference", "path", *referencePath, "error", err)
			os.Exit(1)
		}
	}

	// ── Scheduler ──────────────────────────────────────────────────────────
	sched := scheduler.New()
	keep := func() []string { return []string{sess.WorkDir()} }
	if err := sched.SetJob(scheduler.JobSweep, cfg.SweepSchedule,
		scheduler.SweepJob(cfg.WorkDirParent, cfg.StaleAfter(), keep)); err != nil {
		slog.Warn("failed to register sweep job", "error", err)
	}
	if cfg.RescanSchedule != "" {
		if err := sched.SetJob(scheduler.JobRescan, cfg.RescanSchedule, scheduler.RescanJob(sess)); err != nil {
			slog.Warn("failed to register rescan job", "error", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	// ── HTTP server ────────────────────────────────────────────────────────
	srv := api.New(cfg.HTTPAddr, sess, sched, version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Stop background work promptly; Close below waits for it.
		if _, err := sess.CancelScan(); err == nil {
			slog.Info("cancelling running scan")
		}
		if err := sess.CancelDownload(); err == nil {
			slog.Info("cancelling running download")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("lookalike stopped")
}

// openStore builds the configured backend wrapped with bounded retries.
func openStore(ctx context.Context, cfg *config.Config) (store.Client, func(), error) {
	files := auth.Files{Credentials: cfg.Auth.CredentialsFile, Token: cfg.Auth.TokenFile}
	noop := func() {}

	var c store.Client
	closeFn := noop
	switch cfg.Store.Kind {
	case config.StoreDrive:
		opts, err := auth.ClientOptions(ctx, files, auth.DriveScopes...)
		if err != nil {
			return nil, noop, err
		}
		dc, err := drive.New(ctx, cfg.Store.PageSize, opts...)
		if err != nil {
			return nil, noop, err
		}
		c = dc
	case config.StoreGCS:
		opts, err := auth.ClientOptions(ctx, files, auth.GCSScopes...)
		if err != nil {
			return nil, noop, err
		}
		gc, err := gcs.New(ctx, cfg.Store.GCS.Bucket, cfg.Store.GCS.Prefix, cfg.Store.PageSize, opts...)
		if err != nil {
			return nil, noop, err
		}
		c = gc
		closeFn = func() {
			if err := gc.Close(); err != nil {
				slog.Warn("close gcs client", "error", err)
			}
		}
	case config.StoreS3:
		sc, err := s3.New(ctx, s3.Options{
			Bucket:    cfg.Store.S3.Bucket,
			Prefix:    cfg.Store.S3.Prefix,
			Region:    cfg.Store.S3.Region,
			Endpoint:  cfg.Store.S3.Endpoint,
			PathStyle: cfg.Store.S3.PathStyle,
			PageSize:  cfg.Store.PageSize,
		})
		if err != nil {
			return nil, noop, err
		}
		c = sc
	default:
		return nil, noop, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
	return store.WithRetries(c, cfg.Store.MaxRetries), closeFn, nil
}

func loadReference(ctx context.Context, sess *session.Session, path string) error {
	doc, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	hash, _, err := sess.SetReference(rctx, doc)
	if err != nil {
		return err
	}
	slog.Info("reference loaded", "path", path, "hash", hash)
	return nil
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
