package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "wispchat/internal"
	"wispchat/internal/storage"
)

// ServerHandle represents a running HTTP server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	store  *storage.Store
	reaper context.CancelFunc
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.reaper()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, wires the handlers and
// the reaper, and starts serving in the background. Call Stop/Wait to manage
// its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	log := intrnl.NewLogger(cfg.LogLevel)

	store, err := storage.NewStore(storage.Options{
		Path:           cfg.DBPath,
		MessageTTL:     time.Duration(cfg.MessageTTL),
		EmptyRoomGrace: time.Duration(cfg.EmptyRoomGrace),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	blobDir := cfg.BlobDir
	if blobDir == "" {
		blobDir = DefaultBlobDir()
	}
	blobs, err := intrnl.NewDiskBlobStore(blobDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	server := intrnl.NewServer(store, intrnl.ServerOptions{
		Blobs:        blobs,
		Authz:        intrnl.NewKeyAuthorizer(cfg.AdminKeyHash),
		Logger:       log,
		MaxBlobBytes: cfg.MaxBlobBytes,
		RateRPS:      cfg.RateRPS,
		RateBurst:    cfg.RateBurst,
	})

	reaper, err := intrnl.NewReaper(store, server.Activity(), server.Metrics(), log, cfg.PruneCron)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	go reaper.Run(reaperCtx)

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		store:  store,
		reaper: reaperCancel,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		reaperCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server shutdown failed", "err", err)
		}
	}()

	go handle.serve(listener, log)

	log.Info("server listening", "addr", handle.addr, "ttl", time.Duration(cfg.MessageTTL).String())
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener, log *slog.Logger) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if closeErr := h.store.Close(); closeErr != nil {
		log.Error("store close failed", "err", closeErr)
	}
	h.err = err
}
