package backend

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Probe answers "is the backend reachable" with a short HEAD /healthz, cached briefly.
type Probe struct {
	target  string
	http    *http.Client
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	checked time.Time
	online  bool
}

// NewProbe builds a connectivity probe for the client's backend.
func (c *Client) NewProbe(timeout, ttl time.Duration) *Probe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Probe{
		target: c.endpoint("/healthz", nil),
		http:   &http.Client{Transport: c.http.Transport, Timeout: timeout},
		ttl:    ttl,
		now:    time.Now,
	}
}

// Online reports whether the last probe within ttl (or a fresh one) succeeded.
func (p *Probe) Online(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.checked.IsZero() && p.now().Sub(p.checked) < p.ttl {
		return p.online
	}
	p.online = p.check(ctx)
	p.checked = p.now()
	return p.online
}

func (p *Probe) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target, nil)
	if err != nil {
		return false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}
