package main

import (
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Vic-Dev/flux-capacitor/pkg/config"
	"github.com/Vic-Dev/flux-capacitor/pkg/devserver"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	var cfg config.Server
	if err := config.Parse(&cfg); err != nil {
		return err
	}
	addrVar := flag.String("addr", cfg.Addr, "the address to listen on")
	dbVar := flag.String("db", cfg.Database, "the sqlite database path")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.Level(cfg.LogLevel)}))
	slog.SetDefault(logger)

	slog.Info("Opening database", "path", *dbVar)
	s, err := devserver.Open(*dbVar, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	httpServer := &http.Server{Addr: *addrVar, Handler: s.Handler()}
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	_ = httpServer.Close()

	wg.Wait()
	return nil
}
