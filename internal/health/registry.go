// Package health tracks cached availability of external dependencies so
// routing decisions never wait on the network.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/internal/logging"
	"archflow/backend/internal/observability"
	"archflow/backend/pkg/models"

	"golang.org/x/sync/errgroup"
)

// Prober performs one lightweight availability check against an endpoint.
type Prober interface {
	Probe(ctx context.Context, endpoint models.ServiceEndpoint) error
}

// HTTPProber probes endpoints with a GET on their health path.
type HTTPProber struct {
	Client *http.Client
}

// Probe returns nil on any 2xx response.
func (p HTTPProber) Probe(ctx context.Context, endpoint models.ServiceEndpoint) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.BaseURL+endpoint.HealthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status code %d", resp.StatusCode)
	}
	return nil
}

// Options tune probing and routing.
type Options struct {
	ProbeTimeout    time.Duration
	RefreshInterval time.Duration
	FailureCooldown time.Duration
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 3 * time.Second
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 30 * time.Second
	}
	if o.FailureCooldown <= 0 {
		o.FailureCooldown = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Registry owns the per-dependency status map. The map itself is only
// written by Register; each entry is replaced wholesale with an atomic swap
// so readers never see a status without its timestamp.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*atomic.Pointer[models.ServiceEndpoint]

	prober  Prober
	opts    Options
	logger  *logging.Logger
	metrics *observability.Instruments
}

// NewRegistry creates an empty Registry.
func NewRegistry(prober Prober, opts Options, logger *logging.Logger, metrics *observability.Instruments) *Registry {
	opts.setDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	if metrics == nil {
		metrics = observability.NewInstruments()
	}
	return &Registry{
		entries: make(map[string]*atomic.Pointer[models.ServiceEndpoint]),
		prober:  prober,
		opts:    opts,
		logger:  logger.With("component", "health"),
		metrics: metrics,
	}
}

// Register adds an endpoint with unknown status. Registering an existing
// name replaces its configuration and resets its status.
func (r *Registry) Register(endpoint models.ServiceEndpoint) {
	endpoint.Status = models.StatusUnknown
	endpoint.LastCheckedAt = time.Time{}
	p := &atomic.Pointer[models.ServiceEndpoint]{}
	p.Store(&endpoint)

	r.mu.Lock()
	r.entries[endpoint.Name] = p
	r.mu.Unlock()
}

func (r *Registry) entry(name string) *atomic.Pointer[models.ServiceEndpoint] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Endpoint returns the current snapshot of one endpoint.
func (r *Registry) Endpoint(name string) (models.ServiceEndpoint, bool) {
	p := r.entry(name)
	if p == nil {
		return models.ServiceEndpoint{}, false
	}
	return *p.Load(), true
}

// Endpoints returns every endpoint sorted by name.
func (r *Registry) Endpoints() []models.ServiceEndpoint {
	r.mu.RLock()
	out := make([]models.ServiceEndpoint, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, *p.Load())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns the cached status of every endpoint.
func (r *Registry) Snapshot() map[string]models.ServiceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.ServiceStatus, len(r.entries))
	for name, p := range r.entries {
		out[name] = p.Load().Status
	}
	return out
}

// ShouldUseLive reports from cached state only whether a live call to the
// named dependency should be attempted. Unregistered names are never live.
func (r *Registry) ShouldUseLive(name string) bool {
	p := r.entry(name)
	if p == nil {
		return false
	}
	ep := p.Load()
	now := r.opts.Now()
	switch ep.Status {
	case models.StatusHealthy:
		return true
	case models.StatusUnknown:
		return ep.LastFailureAt.IsZero() || now.Sub(ep.LastFailureAt) > r.opts.FailureCooldown
	default:
		// A stale failure gets one more live attempt so recovery is noticed
		// between refreshes.
		return now.Sub(ep.LastCheckedAt) > r.opts.FailureCooldown
	}
}

// CheckHealth probes the named endpoint and stores the result. It never
// returns an error; probe failures become statuses.
func (r *Registry) CheckHealth(ctx context.Context, name string) models.ServiceStatus {
	p := r.entry(name)
	if p == nil {
		return models.StatusUnknown
	}
	ep := *p.Load()

	probeCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := r.safeProbe(probeCtx, ep)
	status := classifyProbe(err)

	r.store(p, status, err)
	r.metrics.RecordProbe(ctx, name, string(status))
	if err != nil {
		r.logger.Warn("health probe failed",
			"dependency", name,
			"status", status,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
	}
	return status
}

func (r *Registry) safeProbe(ctx context.Context, ep models.ServiceEndpoint) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("probe panicked: %v", rec)
		}
	}()
	return r.prober.Probe(ctx, ep)
}

// ReportOutcome lets a client record the result of a real call. A nil err
// marks the dependency healthy; errors that are not dependency failures
// (validation, local bugs) leave the entry untouched.
func (r *Registry) ReportOutcome(name string, err error) {
	p := r.entry(name)
	if p == nil {
		return
	}
	if err != nil && !errs.IsDependencyFailure(err) && !isTimeout(err) {
		return
	}
	var status models.ServiceStatus
	switch {
	case err == nil:
		status = models.StatusHealthy
	case isTimeout(err), errs.Is(err, errs.DependencyUnavailable):
		status = models.StatusUnhealthy
	default:
		status = models.StatusDegraded
	}
	r.store(p, status, err)
}

func (r *Registry) store(p *atomic.Pointer[models.ServiceEndpoint], status models.ServiceStatus, err error) {
	now := r.opts.Now()
	for {
		old := p.Load()
		next := *old
		next.Status = status
		next.LastCheckedAt = now
		if err != nil {
			next.LastFailureAt = now
			next.LastError = err.Error()
		} else {
			next.LastError = ""
		}
		if p.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RefreshAll probes every endpoint concurrently and waits for all probes.
func (r *Registry) RefreshAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			r.CheckHealth(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
}

// Run refreshes all endpoints immediately and then on every refresh
// interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.RefreshInterval)
	defer ticker.Stop()

	r.RefreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("health refresh stopped")
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

func classifyProbe(err error) models.ServiceStatus {
	switch {
	case err == nil:
		return models.StatusHealthy
	case isTimeout(err):
		return models.StatusUnhealthy
	default:
		return models.StatusDegraded
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
