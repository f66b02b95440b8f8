package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/clusterkit/clusterkit/internal/wire"
)

// FailureHandler is invoked when a peer connection is lost. The transport
// knows nothing about phi-accrual or member status; what happens with the
// loss is up to the handler's owner.
type FailureHandler func(peerAddr string, cause error)

// EnvelopeHandler is invoked for every inbound envelope, on whichever
// peer's reader goroutine received it. Handlers must not block.
type EnvelopeHandler func(env wire.Envelope)

// Transport owns the listener for inbound peer connections and the set of
// live outbound/inbound Conns, keyed by peer address. It does not interpret
// envelope contents; it only frames and delivers bytes.
type Transport struct {
	cfg     Config
	tlsRing *TLSRing

	onEnvelope EnvelopeHandler
	onFailure  FailureHandler

	mu    sync.Mutex
	peers map[string]*Conn

	listener net.Listener
	wg       sync.WaitGroup

	closeCh chan struct{}
	closed  bool
}

// New constructs a Transport. The returned value does not listen until
// Listen is called.
func New(cfg Config, onEnvelope EnvelopeHandler,
	onFailure FailureHandler) *Transport {

	return &Transport{
		cfg:        cfg,
		tlsRing:    NewTLSRing(cfg.TLSConfig, cfg.TLSRotationGrace),
		onEnvelope: onEnvelope,
		onFailure:  onFailure,
		peers:      make(map[string]*Conn),
		closeCh:    make(chan struct{}),
	}
}

// RotateTLS installs new TLS material, honoring the old chain for
// TLSRotationGrace per Config.
func (t *Transport) RotateTLS(cfg *tls.Config) {
	t.tlsRing.Rotate(cfg)
}

// Listen starts accepting inbound peer connections on Config.ListenAddr.
func (t *Transport) Listen() error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}

	if accConf := t.tlsRing.AcceptConfig(); accConf != nil {
		ln = tls.NewListener(ln, &tls.Config{
			GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
				return t.tlsRing.AcceptConfig(), nil
			},
		})
	}

	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()

	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
				log.WarnS(context.Background(), "Accept failed", "err", err)
				return
			}
		}

		peerAddr := conn.RemoteAddr().String()
		t.adopt(peerAddr, conn)
	}
}

// Dial establishes an outbound connection to peerAddr, replacing any
// existing Conn for that peer. The new Conn is what future Send calls for
// peerAddr will use.
func (t *Transport) Dial(ctx context.Context, peerAddr string) (*Conn, error) {
	dialer := net.Dialer{
		Timeout:   t.cfg.DialTimeout,
		KeepAlive: t.cfg.KeepAlivePeriod,
	}

	raw, err := dialer.DialContext(ctx, "tcp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", peerAddr, err)
	}

	if cur := t.tlsRing.Current(); cur != nil {
		raw = tls.Client(raw, cur)
	}

	return t.adopt(peerAddr, raw), nil
}

func (t *Transport) adopt(peerAddr string, raw net.Conn) *Conn {
	conn := newConn(peerAddr, raw, t.cfg.WriteQueueSize, t.onEnvelope,
		func(err error) {
			t.drop(peerAddr, err)
		},
	)

	t.mu.Lock()
	if old, ok := t.peers[peerAddr]; ok {
		// A second connection for the same peer races in (e.g. both
		// sides dialed at once); keep the new one, drop the old.
		go old.Close()
	}
	t.peers[peerAddr] = conn
	t.mu.Unlock()

	return conn
}

func (t *Transport) drop(peerAddr string, cause error) {
	t.mu.Lock()
	delete(t.peers, peerAddr)
	t.mu.Unlock()

	if t.onFailure != nil {
		t.onFailure(peerAddr, cause)
	}
}

// Send looks up (or lazily dials) the Conn for peerAddr and writes env to
// it. It never retries: a failed send drops the peer connection and
// reports the failure via FailureHandler, leaving retry policy to the
// caller.
func (t *Transport) Send(ctx context.Context, peerAddr string,
	env wire.Envelope) error {

	t.mu.Lock()
	conn, ok := t.peers[peerAddr]
	t.mu.Unlock()

	if !ok {
		var err error
		conn, err = t.Dial(ctx, peerAddr)
		if err != nil {
			return err
		}
	}

	if err := conn.Send(ctx, env); err != nil {
		t.drop(peerAddr, err)
		return err
	}

	return nil
}

// PeerCount returns the number of currently live peer connections.
func (t *Transport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.peers)
}

// Close stops accepting new connections and tears down every live peer
// connection.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)

	if t.listener != nil {
		_ = t.listener.Close()
	}

	t.mu.Lock()
	peers := make([]*Conn, 0, len(t.peers))
	for _, c := range t.peers {
		peers = append(peers, c)
	}
	t.peers = make(map[string]*Conn)
	t.mu.Unlock()

	for _, c := range peers {
		_ = c.Close()
	}

	t.wg.Wait()

	return nil
}
