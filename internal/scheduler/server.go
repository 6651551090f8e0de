package scheduler

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
)

// Server accepts runtime connections on a stream listener and answers their
// packets with a Scheduler.
type Server struct {
	sched *Scheduler

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server for sched.
func NewServer(sched *Scheduler) *Server {
	return &Server{sched: sched, conns: make(map[net.Conn]struct{})}
}

// ListenUnix removes a stale socket file at path and listens on it.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", path)
}

// Serve accepts connections until ctx is done or ln fails. It closes ln and
// every open connection before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := ctxlog.FromContext(ctx)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	logger.Info("🚀 Scheduler listening.", "addr", ln.Addr().String())

	var err error
	for {
		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			break
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.serveConn(ctx, conn)
		}()
	}

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if ctx.Err() != nil {
		logger.Info("🏁 Scheduler stopped.")
		return nil
	}
	return err
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// serveConn answers packets on one connection. When the connection ends,
// the runtime that used it is dropped and must introduce itself again.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := ctxlog.FromContext(ctx)
	runtimeID := 0
	defer func() {
		if runtimeID > 0 {
			s.sched.Drop(runtimeID)
		}
	}()

	for {
		rx, err := ReadPacket(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Warn("Runtime connection failed.", "runtimeID", runtimeID, "error", err)
			}
			return
		}
		tx := s.sched.Handle(ctx, rx)
		if tx.RuntimeID > 0 {
			runtimeID = int(tx.RuntimeID)
		}
		if err := WritePacket(conn, tx); err != nil {
			logger.Warn("Reply failed.", "runtimeID", runtimeID, "error", err)
			return
		}
	}
}
