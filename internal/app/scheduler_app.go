package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
	"github.com/specialistvlad/splitgridgo/internal/runtimestore"
	"github.com/specialistvlad/splitgridgo/internal/scheduler"
	"github.com/specialistvlad/splitgridgo/internal/sio"
)

// SchedulerApp is the central scheduler process. It serves one Scheduler
// over a unix socket, a socket.io gateway or both.
type SchedulerApp struct {
	outW   io.Writer
	logger *slog.Logger
	config *SchedulerConfig
	sched  *scheduler.Scheduler

	unixLn, sioLn net.Listener
}

// NewSchedulerApp creates the scheduler process with its own logger and an
// empty runtime store.
func NewSchedulerApp(outW io.Writer, cfg *SchedulerConfig) *SchedulerApp {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	policy := scheduler.HillClimb{InitialRatio: cfg.InitialRatio}
	return &SchedulerApp{
		outW:   outW,
		logger: logger,
		config: cfg,
		sched:  scheduler.New(runtimestore.New(), policy, logger),
	}
}

// Scheduler returns the scheduler being served. This is primarily for
// testing.
func (a *SchedulerApp) Scheduler() *scheduler.Scheduler { return a.sched }

// Listen binds the configured endpoints. Run calls it when it has not been
// called yet.
func (a *SchedulerApp) Listen() error {
	if a.unixLn != nil || a.sioLn != nil {
		return nil
	}
	if a.config.SocketPath != "" {
		ln, err := scheduler.ListenUnix(a.config.SocketPath)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", a.config.SocketPath, err)
		}
		a.unixLn = ln
	}
	if a.config.SocketIOAddr != "" {
		ln, err := net.Listen("tcp", a.config.SocketIOAddr)
		if err != nil {
			if a.unixLn != nil {
				a.unixLn.Close()
			}
			return fmt.Errorf("listening on %s: %w", a.config.SocketIOAddr, err)
		}
		a.sioLn = ln
	}
	return nil
}

// SocketIOAddr returns the bound address of the socket.io gateway, or ""
// before Listen or when it is disabled.
func (a *SchedulerApp) SocketIOAddr() string {
	if a.sioLn == nil {
		return ""
	}
	return a.sioLn.Addr().String()
}

// Run serves until ctx is cancelled or an endpoint fails.
func (a *SchedulerApp) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	if err := a.Listen(); err != nil {
		return err
	}
	health, err := startHealthcheckServer(a.config.HealthcheckPort, a.logger)
	if err != nil {
		return err
	}
	defer health.close()

	a.logger.Info("🚀 Scheduler starting.", "socket", a.config.SocketPath, "socketio", a.SocketIOAddr())
	g, gctx := errgroup.WithContext(ctx)
	if a.unixLn != nil {
		srv := scheduler.NewServer(a.sched)
		g.Go(func() error { return srv.Serve(gctx, a.unixLn) })
	}
	if a.sioLn != nil {
		gw := sio.NewGateway(a.sched, a.logger, a.config.Namespace)
		g.Go(func() error { return gw.Serve(gctx, a.sioLn) })
	}
	err = g.Wait()
	a.logger.Info("🏁 Scheduler stopped.", "runtimes", a.sched.Store().Len())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
