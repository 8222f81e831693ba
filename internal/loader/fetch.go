package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// fetch downloads a module. Hosts that keep failing are skipped until their
// cooloff passes.
func (l *Loader) fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	if err := l.breaker.allow(u.Host); err != nil {
		return nil, fmt.Errorf("%s: %w", u, err)
	}

	data, err := l.download(ctx, u)
	l.breaker.record(u.Host, err)
	if err != nil {
		l.log.Warn("module fetch failed", zap.String("url", u.String()), zap.Error(err))
		return nil, err
	}
	return data, nil
}

func (l *Loader) download(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/wasm, application/gzip, */*")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", u, resp.Status)
	}
	if resp.ContentLength > l.cfg.MaxSize {
		return nil, fmt.Errorf("fetch %s: %w: %d bytes", u, ErrTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.cfg.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	if int64(len(data)) > l.cfg.MaxSize {
		return nil, fmt.Errorf("fetch %s: %w", u, ErrTooLarge)
	}
	return data, nil
}

type hostState struct {
	failures  int
	openUntil time.Time
}

// breaker trips per host after a run of consecutive failures.
type breaker struct {
	mu      sync.Mutex
	trip    int
	cooloff time.Duration
	hosts   map[string]*hostState
	now     func() time.Time
}

func newBreaker(trip int, cooloff time.Duration) *breaker {
	return &breaker{
		trip:    trip,
		cooloff: cooloff,
		hosts:   make(map[string]*hostState),
		now:     time.Now,
	}
}

func (b *breaker) allow(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.hosts[host]
	if !ok || s.openUntil.IsZero() {
		return nil
	}
	if b.now().Before(s.openUntil) {
		return ErrCircuitOpen
	}
	// Half open: let one attempt through, a failure re-trips immediately.
	s.openUntil = time.Time{}
	s.failures = b.trip - 1
	return nil
}

func (b *breaker) record(host string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.hosts, host)
		return
	}
	s, ok := b.hosts[host]
	if !ok {
		s = &hostState{}
		b.hosts[host] = s
	}
	s.failures++
	if s.failures >= b.trip {
		s.openUntil = b.now().Add(b.cooloff)
	}
}
