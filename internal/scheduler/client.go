package scheduler

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/specialistvlad/splitgridgo/internal/device"
)

// Conn is a runtime's connection to the scheduler. Each exchange sends one
// packet and waits for the reply.
type Conn interface {
	Exchange(ctx context.Context, tx Packet) (Packet, error)
	Close() error
}

// UnixConn is a Conn over a unix stream socket.
type UnixConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialUnix connects to the scheduler socket at path.
func DialUnix(ctx context.Context, path string) (*UnixConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("scheduler: dialing %s: %w", path, err)
	}
	return &UnixConn{conn: c}, nil
}

// Exchange implements Conn.
func (u *UnixConn) Exchange(ctx context.Context, tx Packet) (Packet, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		u.conn.SetDeadline(dl)
		defer u.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { u.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WritePacket(u.conn, tx); err != nil {
		return Packet{}, fmt.Errorf("scheduler: sending %s: %w", tx.Kind, err)
	}
	rx, err := ReadPacket(u.conn)
	if err != nil {
		if ctx.Err() != nil {
			return Packet{}, ctx.Err()
		}
		return Packet{}, fmt.Errorf("scheduler: reading reply to %s: %w", tx.Kind, err)
	}
	return rx, nil
}

// Close implements Conn.
func (u *UnixConn) Close() error { return u.conn.Close() }

// Acquire asks for unit until it is granted, polling every interval.
func Acquire(ctx context.Context, c Conn, runtimeID int, unit device.Unit, interval time.Duration) error {
	tx := NewPacket(KindAcquire, runtimeID)
	tx.Unit = int32(unit)
	for {
		rx, err := c.Exchange(ctx, tx)
		if err != nil {
			return err
		}
		switch rx.Kind {
		case KindGrant:
			return nil
		case KindWait:
		default:
			return fmt.Errorf("scheduler: acquire %s answered with %s", unit, rx.Kind)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Release gives unit back.
func Release(ctx context.Context, c Conn, runtimeID int, unit device.Unit) error {
	tx := NewPacket(KindRelease, runtimeID)
	tx.Unit = int32(unit)
	rx, err := c.Exchange(ctx, tx)
	if err != nil {
		return err
	}
	if rx.Kind != KindAck {
		return fmt.Errorf("scheduler: release %s answered with %s", unit, rx.Kind)
	}
	return nil
}
