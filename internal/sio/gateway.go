package sio

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zishang520/socket.io/v2/socket"

	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
	"github.com/specialistvlad/splitgridgo/internal/scheduler"
)

// Path is where the gateway mounts the socket.io endpoint.
const Path = "/socket.io/"

// Gateway answers scheduler packets sent over socket.io. A runtime is dropped
// from the scheduler when its socket disconnects.
type Gateway struct {
	sched  *scheduler.Scheduler
	io     *socket.Server
	logger *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	runtimes map[socket.SocketId]int
}

// NewGateway creates a gateway for sched on the default namespace and on
// every namespace listed. A nil logger uses slog.Default.
func NewGateway(sched *scheduler.Scheduler, logger *slog.Logger, namespaces ...string) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		sched:    sched,
		io:       socket.NewServer(nil, nil),
		logger:   logger.With("component", "sio-gateway"),
		ctx:      context.Background(),
		runtimes: make(map[socket.SocketId]int),
	}
	g.io.On("connection", g.onConnection)
	for _, ns := range namespaces {
		if ns != "" && ns != "/" {
			g.io.Of(ns, g.onConnection)
		}
	}
	return g
}

func (g *Gateway) onConnection(clients ...any) {
	if len(clients) == 0 {
		return
	}
	if s, ok := clients[0].(*socket.Socket); ok {
		g.attach(s)
	}
}

// Handler returns the socket.io endpoint. Mount it at Path.
func (g *Gateway) Handler() http.Handler {
	return g.io.ServeHandler(nil)
}

// Runtimes returns the number of sockets that have introduced a runtime.
func (g *Gateway) Runtimes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runtimes)
}

// Serve answers socket.io clients on ln until ctx is done.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	logger := ctxlog.FromContext(ctx)
	g.mu.Lock()
	g.ctx = ctx
	g.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(Path, g.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logger.Info("🚀 socket.io gateway listening.", "addr", ln.Addr().String(), "path", Path)

	select {
	case err := <-errc:
		g.Close()
		return err
	case <-ctx.Done():
	}
	g.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errc
	logger.Info("🏁 socket.io gateway stopped.")
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects every client.
func (g *Gateway) Close() {
	g.io.Close(nil)
}

func (g *Gateway) attach(s *socket.Socket) {
	g.logger.Debug("Client connected.", "sid", s.Id())
	s.On(EventPacket, func(args ...any) {
		g.onPacket(s, args)
	})
	s.On("disconnect", func(reason ...any) {
		g.mu.Lock()
		id, ok := g.runtimes[s.Id()]
		delete(g.runtimes, s.Id())
		g.mu.Unlock()
		if ok {
			g.sched.Drop(id)
		}
		g.logger.Debug("Client disconnected.", "sid", s.Id(), "runtimeID", id, "reason", reason)
	})
}

func (g *Gateway) onPacket(s *socket.Socket, args []any) {
	if len(args) < 2 {
		g.logger.Warn("Packet without acknowledgement dropped.", "sid", s.Id())
		return
	}
	ack, ok := args[len(args)-1].(socket.Ack)
	if !ok {
		g.logger.Warn("Packet without acknowledgement dropped.", "sid", s.Id())
		return
	}
	b, err := payload(args[0])
	if err != nil {
		ack(nil, err)
		return
	}
	rx, err := Decode(b)
	if err != nil {
		g.logger.Warn("Malformed packet.", "sid", s.Id(), "error", err)
		b, _ = Encode(scheduler.NewPacket(scheduler.KindError, 0))
		ack([]any{b}, nil)
		return
	}

	g.mu.Lock()
	ctx := g.ctx
	g.mu.Unlock()
	tx := g.sched.Handle(ctx, rx)
	if tx.RuntimeID > 0 {
		g.mu.Lock()
		g.runtimes[s.Id()] = int(tx.RuntimeID)
		g.mu.Unlock()
	}

	out, err := Encode(tx)
	if err != nil {
		g.logger.Error("Encoding reply failed.", "sid", s.Id(), "error", err)
		return
	}
	ack([]any{out}, nil)
}
