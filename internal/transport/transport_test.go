package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/wire"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	return "127.0.0.1:0"
}

func newTestTransport(t *testing.T, onEnv EnvelopeHandler) *Transport {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ListenAddr = freeAddr(t)

	tr := New(cfg, onEnv, func(peer string, cause error) {})
	require.NoError(t, tr.Listen())
	t.Cleanup(func() { _ = tr.Close() })

	return tr
}

func TestTransportSendReceive(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received []wire.Envelope
	)

	server := newTestTransport(t, func(env wire.Envelope) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
	})

	client := newTestTransport(t, func(wire.Envelope) {})

	env := wire.Envelope{
		ProtoVersion:  wire.ProtoVersion,
		RecipientPath: "pekko://sys@server/user/echo",
		TypeTag:       "greeting",
		Payload:       []byte(`{"text":"hi"}`),
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	err := client.Send(ctx, server.listener.Addr().String(), env)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, env.RecipientPath, received[0].RecipientPath)
}

func TestTransportDropReportsFailure(t *testing.T) {
	t.Parallel()

	server := newTestTransport(t, func(wire.Envelope) {})

	failed := make(chan string, 1)
	cfg := DefaultConfig()
	cfg.ListenAddr = freeAddr(t)
	client := New(cfg, func(wire.Envelope) {}, func(peer string, cause error) {
		select {
		case failed <- peer:
		default:
		}
	})
	require.NoError(t, client.Listen())
	defer client.Close()

	addr := server.listener.Addr().String()

	ctx := t.Context()
	require.NoError(t, client.Send(ctx, addr, wire.Envelope{
		ProtoVersion:  wire.ProtoVersion,
		RecipientPath: "pekko://sys@server/user/echo",
		TypeTag:       "greeting",
		Payload:       []byte(`{}`),
	}))

	require.NoError(t, server.Close())

	require.Eventually(t, func() bool {
		select {
		case got := <-failed:
			require.Equal(t, addr, got)
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTLSRingGraceWindow(t *testing.T) {
	t.Parallel()

	ring := NewTLSRing(nil, 50*time.Millisecond)
	require.False(t, ring.InGrace())

	ring.Rotate(&tls.Config{})
	require.True(t, ring.InGrace())

	require.Eventually(t, func() bool {
		_ = ring.AcceptConfig()
		return !ring.InGrace()
	}, time.Second, 5*time.Millisecond)
}
