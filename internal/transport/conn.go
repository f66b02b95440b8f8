package transport

import (
	"context"
	"net"
	"sync"

	"github.com/clusterkit/clusterkit/internal/wire"
)

// Conn is one logical, ordered duplex stream to a single peer member. A
// Conn owns exactly one underlying net.Conn at a time; reconnection after
// failure produces a new Conn rather than repairing the old one, since the
// transport never retries application sends across a connection loss.
type Conn struct {
	peerAddr string
	raw      net.Conn

	writeCh   chan wire.Envelope
	closeCh   chan struct{}
	closeOnce sync.Once

	wg sync.WaitGroup
}

// newConn wraps an established net.Conn (already past any TLS handshake)
// and starts its writer goroutine. Inbound frames are delivered to
// onEnvelope from a dedicated reader goroutine until the connection closes
// or a malformed frame is encountered, at which point onClosed fires once.
func newConn(peerAddr string, raw net.Conn, writeQueueSize int,
	onEnvelope func(wire.Envelope), onClosed func(error)) *Conn {

	c := &Conn{
		peerAddr: peerAddr,
		raw:      raw,
		writeCh:  make(chan wire.Envelope, writeQueueSize),
		closeCh:  make(chan struct{}),
	}

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop(onEnvelope, onClosed)

	return c
}

// PeerAddr returns the remote member address this Conn talks to.
func (c *Conn) PeerAddr() string { return c.peerAddr }

// Send enqueues env for delivery, blocking if the write queue is full. It
// returns an error if the connection has already been closed; the caller
// (the membership/receptionist/shard-region layer) is responsible for
// treating that as a failed send with no retry, per the at-most-once
// delivery contract.
func (c *Conn) Send(ctx context.Context, env wire.Envelope) error {
	select {
	case c.writeCh <- env:
		return nil
	case <-c.closeCh:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the underlying connection and stops both loops. Safe to
// call more than once.
func (c *Conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.raw.Close()
	})

	c.wg.Wait()

	return err
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case env := <-c.writeCh:
			if err := wire.WriteEnvelope(c.raw, env); err != nil {
				log.DebugS(context.Background(), "Write failed, closing conn",
					"peer", c.peerAddr, "err", err)
				_ = c.raw.Close()
				return
			}

		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) readLoop(onEnvelope func(wire.Envelope), onClosed func(error)) {
	defer c.wg.Done()

	for {
		env, err := wire.ReadEnvelope(c.raw)
		if err != nil {
			select {
			case <-c.closeCh:
				// Closed locally; no need to report upward.
			default:
				onClosed(err)
			}
			return
		}

		onEnvelope(env)
	}
}
