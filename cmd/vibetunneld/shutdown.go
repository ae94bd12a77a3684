package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vibetunnel/server/internal/control"
	"github.com/vibetunnel/server/internal/remote"
	"github.com/vibetunnel/server/internal/sessionmgr"
)

// globalShutdownDeadline is spec §5's "Shutdown: 5 s global deadline; then
// hard exit."
const globalShutdownDeadline = 5 * time.Second

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

type shutdownDeps struct {
	logger         *zap.Logger
	httpSrv        *http.Server
	controlSrv     *control.Server
	sessions       *sessionmgr.Manager
	hqClient       *remote.Client
	remoteRegistry *remote.Registry
	controlDir     string
}

// shutdown implements spec §4.M's shutdown order: stop accepting new
// sessions -> drain aggregator -> close control socket -> signal HQ detach
// with a bounded deadline -> SIGTERM remaining children, then SIGKILL after
// 2 s.
func shutdown(d shutdownDeps) error {
	d.logger.Info("shutting down")

	hardExit := time.AfterFunc(globalShutdownDeadline, func() {
		d.logger.Error("shutdown exceeded global deadline, exiting")
		os.Exit(1)
	})
	defer hardExit.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), globalShutdownDeadline)
	defer cancel()

	// Stop accepting new sessions / aggregator connections: shutting down
	// the HTTP server unregisters the aggregator's WebSocket route and
	// drains in-flight connections up to ctx's deadline.
	_ = d.httpSrv.Shutdown(ctx)

	_ = d.controlSrv.Close()

	if d.hqClient != nil {
		detachCtx, detachCancel := context.WithTimeout(context.Background(), remote.DeregisterDeadline)
		if err := d.hqClient.Deregister(detachCtx); err != nil {
			d.logger.Warn("HQ deregistration failed", zap.Error(err))
		}
		detachCancel()
	}

	if d.remoteRegistry != nil {
		if err := d.remoteRegistry.SaveTo(filepath.Join(d.controlDir, "remotes.yaml")); err != nil {
			d.logger.Warn("failed to persist remote registry", zap.Error(err))
		}
	}

	killRemainingSessions(d.logger, d.sessions)

	return nil
}

func killRemainingSessions(logger *zap.Logger, sessions *sessionmgr.Manager) {
	infos, err := sessions.ListSessions()
	if err != nil {
		logger.Warn("list sessions during shutdown", zap.Error(err))
		return
	}

	for _, info := range infos {
		if info.Status != string(sessionmgr.StatusRunning) {
			continue
		}
		if err := sessions.Kill(info.ID, syscall.SIGTERM); err != nil {
			logger.Warn("SIGTERM failed", zap.String("session", info.ID), zap.Error(err))
		}
	}

	time.Sleep(2 * time.Second)

	infos, err = sessions.ListSessions()
	if err != nil {
		return
	}
	for _, info := range infos {
		if info.Status != string(sessionmgr.StatusRunning) {
			continue
		}
		if err := sessions.Kill(info.ID, syscall.SIGKILL); err != nil {
			logger.Warn("SIGKILL failed", zap.String("session", info.ID), zap.Error(err))
		}
	}
}
