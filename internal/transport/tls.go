package transport

import (
	"crypto/tls"
	"crypto/x509"
	"sync"
	"time"
)

// generation is one installed TLS material snapshot in the rotation ring.
type generation struct {
	config      *tls.Config
	installedAt time.Time
}

// TLSRing holds the current and, during a grace window, the immediately
// previous TLS generation. Handshakes starting after a rotation see the new
// generation as the preferred chain; during the grace window, accepted
// connections are also offered the previous generation's certificates.
// A handshake already in progress keeps the config it started with.
type TLSRing struct {
	mu       sync.RWMutex
	current  generation
	previous *generation
	grace    time.Duration
}

// NewTLSRing seeds a ring with the initial TLS config. cfg may be nil, in
// which case the transport runs without TLS and every method is a no-op
// returning nil.
func NewTLSRing(cfg *tls.Config, grace time.Duration) *TLSRing {
	return &TLSRing{
		current: generation{config: cfg, installedAt: time.Now()},
		grace:   grace,
	}
}

// Rotate installs a new TLS config, demoting the current one to "previous"
// so it remains honored for Grace duration.
func (r *TLSRing) Rotate(cfg *tls.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current
	r.previous = &old
	r.current = generation{config: cfg, installedAt: time.Now()}
}

// Current returns the newest installed TLS config, used for outbound
// dials: a dialer always presents the newest material.
func (r *TLSRing) Current() *tls.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.current.config
}

// expirePrevious drops the previous generation once its grace window has
// elapsed. Must be called with r.mu held.
func (r *TLSRing) expirePrevious(now time.Time) {
	if r.previous == nil {
		return
	}
	if now.Sub(r.current.installedAt) >= r.grace {
		r.previous = nil
	}
}

// AcceptConfig returns the *tls.Config to pass to tls.Server for a newly
// accepted connection. During the grace window following a rotation, the
// returned config presents the new certificate chain first, followed by the
// previous chain's certificates. Its ClientCAs is the current config's pool,
// or the previous one's only when the current config has none (see
// mergeCertPools).
// Outside the grace window, or when no rotation has occurred, it is simply
// the current config.
func (r *TLSRing) AcceptConfig() *tls.Config {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expirePrevious(time.Now())

	if r.current.config == nil {
		return nil
	}
	if r.previous == nil || r.previous.config == nil {
		return r.current.config
	}

	merged := r.current.config.Clone()
	merged.ClientCAs = mergeCertPools(
		r.current.config.ClientCAs, r.previous.config.ClientCAs,
	)
	merged.Certificates = append(
		append([]tls.Certificate{}, r.current.config.Certificates...),
		r.previous.config.Certificates...,
	)

	return merged
}

// InGrace reports whether a rotation happened less than Grace ago, i.e.
// whether the previous generation is still being honored.
func (r *TLSRing) InGrace() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.previous != nil && time.Since(r.current.installedAt) < r.grace
}

// mergeCertPools picks the current generation's CA pool when both old and
// new material define one. x509.CertPool has no public API to enumerate and
// union individual certs from the outside, so a true union of trust
// anchors requires the caller to construct pools that already include both
// generations' roots; this falls back to "prefer current, else previous".
func mergeCertPools(pools ...*x509.CertPool) *x509.CertPool {
	for _, p := range pools {
		if p != nil {
			return p
		}
	}

	return nil
}
