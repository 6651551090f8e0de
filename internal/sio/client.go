package sio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/specialistvlad/splitgridgo/internal/scheduler"
)

// ErrDisconnected is returned by Exchange after the socket has closed.
var ErrDisconnected = errors.New("sio: disconnected from scheduler")

// Client is a scheduler.Conn over socket.io.
type Client struct {
	io     *socket.Socket
	logger *slog.Logger

	// mu serialises exchanges.
	mu sync.Mutex
}

var _ scheduler.Conn = (*Client)(nil)

// Dial connects to namespace of the gateway at url (for example
// http://127.0.0.1:7070) over the websocket transport and waits for the
// handshake. An empty namespace is the default one.
func Dial(ctx context.Context, url, namespace string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sio-client", "url", url, "namespace", namespace)

	opts := socket.DefaultOptions()
	opts.SetPath(Path)
	opts.SetReconnection(false)
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(strings.TrimRight(url, "/"), opts)
	if namespace == "" {
		namespace = "/"
	}
	io := manager.Socket(namespace, opts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		select {
		case connected <- nil:
		default:
		}
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		select {
		case connected <- err:
		default:
		}
	})
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("sio: connecting to %s: %w", url, err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("sio: connecting to %s: %w", url, ctx.Err())
	}
	logger.Debug("Connected to scheduler gateway.", "sid", io.Id())
	return &Client{io: io, logger: logger}, nil
}

type reply struct {
	packet scheduler.Packet
	err    error
}

// Exchange implements scheduler.Conn.
func (c *Client) Exchange(ctx context.Context, tx scheduler.Packet) (scheduler.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.io.Connected() {
		return scheduler.Packet{}, ErrDisconnected
	}
	b, err := Encode(tx)
	if err != nil {
		return scheduler.Packet{}, err
	}

	replies := make(chan reply, 1)
	c.io.EmitWithAck(EventPacket, b)(func(args []any, err error) {
		var r reply
		switch {
		case err != nil:
			r.err = err
		case len(args) == 0:
			r.err = errors.New("sio: empty acknowledgement")
		default:
			var raw []byte
			if raw, r.err = payload(args[0]); r.err == nil {
				r.packet, r.err = Decode(raw)
			}
		}
		replies <- r
	})

	select {
	case r := <-replies:
		if r.err != nil {
			return scheduler.Packet{}, fmt.Errorf("sio: reply to %s: %w", tx.Kind, r.err)
		}
		return r.packet, nil
	case <-ctx.Done():
		return scheduler.Packet{}, ctx.Err()
	}
}

// Close implements scheduler.Conn.
func (c *Client) Close() error {
	c.io.Disconnect()
	c.logger.Debug("Disconnected from scheduler gateway.")
	return nil
}
