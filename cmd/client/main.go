package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Vic-Dev/flux-capacitor/pkg/channel"
	"github.com/Vic-Dev/flux-capacitor/pkg/config"
	"github.com/Vic-Dev/flux-capacitor/pkg/event"
	"github.com/Vic-Dev/flux-capacitor/pkg/metrics"
	"github.com/Vic-Dev/flux-capacitor/pkg/session"
	"github.com/Vic-Dev/flux-capacitor/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	var cfg config.Client
	if err := config.Parse(&cfg); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.Level(cfg.LogLevel)}))
	slog.SetDefault(logger)

	page, err := cfg.Page()
	if err != nil {
		return err
	}
	api, err := cfg.API()
	if err != nil {
		return err
	}

	mem := store.NewMemory()
	unsubscribe := mem.Subscribe(func(s store.State, e event.Event) {
		logger.Info("applied", "event", e, "seq", e.Seq, "notes", len(s.Notes), "log", len(s.Log))
	})
	defer unsubscribe()

	s, err := session.New(session.Options{
		PageURL:           page,
		APIBase:           api,
		DevProxyPort:      cfg.DevProxyPort,
		BackendPort:       cfg.BackendPort,
		EventsParams:      cfg.EventsParams(),
		NotesParams:       cfg.NotesParams(),
		Store:             mem,
		Policy:            cfg.Policy(),
		ConnectTimeout:    cfg.ConnectTimeout,
		PingInterval:      cfg.PingInterval,
		DedupWindow:       cfg.DedupWindow,
		ResyncOnReconnect: cfg.ResyncOnReconnect,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		OnStateChange: func(st channel.State) {
			logger.Info("channel state", "state", st)
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics listen failed", "err", err)
			}
		}()
	}

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-s.Ready():
			st := mem.State()
			slog.Info("snapshots resolved", "notes", len(st.Notes), "log", len(st.Log))
		case <-ctx.Done():
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	if err := s.Close(); err != nil {
		slog.Error("failed to close session", "err", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	wg.Wait()

	return dump(mem.State(), cfg.DumpPath)
}

// dump writes the final state as an automerge document, readable by cmd/debug.
func dump(st store.State, path string) error {
	doc, err := store.ExportDoc(st)
	if err != nil {
		return err
	}
	if path == "" {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("flux-%d.automerge", time.Now().UnixNano()))
	}
	if err := os.WriteFile(path, doc.Save(), 0o644); err != nil {
		return fmt.Errorf("failed to dump: %w", err)
	}
	slog.Info("dumped", "path", path, "notes", len(st.Notes), "log", len(st.Log))
	return nil
}
