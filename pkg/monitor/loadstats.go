package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/chaoskit/resilience-harness/pkg/loadgen"
	"github.com/chaoskit/resilience-harness/pkg/log"
	"github.com/chaoskit/resilience-harness/pkg/telemetry"
	"github.com/chaoskit/resilience-harness/pkg/types"
)

// StatsSource is the slice of the load-generator controller the poller needs
type StatsSource interface {
	PollStats(ctx context.Context, handle loadgen.RunHandle) (types.LoadStatsSample, error)
}

// StatsPoller periodically polls the load-generator coordinator and owns the
// resulting append-only sample sequence
type StatsPoller struct {
	source   StatsSource
	interval time.Duration
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	handle  loadgen.RunHandle
	started bool
	samples []types.LoadStatsSample

	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed sync.Once
}

// NewStatsPoller builds a poller. interval defaults to 5s; metrics may be nil
func NewStatsPoller(source StatsSource, interval time.Duration, metrics *telemetry.Metrics) *StatsPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatsPoller{
		source:   source,
		interval: interval,
		metrics:  metrics,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop against the given run. The handle only
// exists once the run is started, so it is bound here and not at construction
func (p *StatsPoller) Start(ctx context.Context, handle loadgen.RunHandle) {
	p.once.Do(func() {
		p.mu.Lock()
		p.handle = handle
		p.started = true
		p.mu.Unlock()
		go p.run(ctx)
	})
}

// Stop ends the loop and returns the finalized sample sequence. Stopping a
// poller that was never started yields an empty sequence
func (p *StatsPoller) Stop() []types.LoadStatsSample {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	p.closed.Do(func() { close(p.stop) })
	if started {
		<-p.done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	samples := make([]types.LoadStatsSample, len(p.samples))
	copy(samples, p.samples)
	return samples
}

func (p *StatsPoller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			sample, err := p.source.PollStats(ctx, p.handle)
			if err != nil {
				log.Warnf("[Monitor]: load stats poll failed, err: %v", err)
				continue
			}
			p.mu.Lock()
			p.samples = append(p.samples, sample)
			p.mu.Unlock()
			p.metrics.CountSample("load")
		}
	}
}
