package transport

import (
	"crypto/tls"
	"time"
)

// Config controls a Transport's listener and outbound dialing behavior.
type Config struct {
	// ListenAddr is the local address this member accepts peer
	// connections on, e.g. "0.0.0.0:2551".
	ListenAddr string

	// TLSConfig, if non-nil, is wrapped in a rotation-aware ring and
	// used for both accepted and dialed connections. Nil disables TLS
	// entirely, matching spec's "TLS is optional".
	TLSConfig *tls.Config

	// TLSRotationGrace is how long, after RotateTLS installs a new TLS
	// generation, newly accepted connections are still also offered the
	// previous generation's certificates. Outbound dials always use the
	// newest generation.
	TLSRotationGrace time.Duration

	// DialTimeout bounds a single outbound connection attempt.
	DialTimeout time.Duration

	// KeepAlivePeriod is the OS-level TCP keepalive probe interval on
	// both dialed and accepted connections, analogous to the teacher's
	// gRPC ServerPingTime/ClientPingMinWait pair but applied at the
	// net.Conn level instead of an RPC framework's.
	KeepAlivePeriod time.Duration

	// WriteQueueSize bounds the number of envelopes buffered for a
	// single peer connection's writer goroutine before Send blocks.
	WriteQueueSize int
}

// DefaultConfig returns conservative defaults modeled on the teacher's
// gRPC ServerConfig defaults (5 minute ping, 1 minute timeout), adapted to
// a raw TCP keepalive cadence.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:2551",
		TLSRotationGrace: 5 * time.Minute,
		DialTimeout:      10 * time.Second,
		KeepAlivePeriod:  30 * time.Second,
		WriteQueueSize:   256,
	}
}
