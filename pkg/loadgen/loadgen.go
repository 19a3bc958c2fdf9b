// Package loadgen drives the distributed load-generation cluster through
// its coordinator's HTTP+JSON API. The cluster is treated as one logical
// unit: a coordinator plus a pool of workers that must have registered
// before a run can start.
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chaoskit/resilience-harness/pkg/cerrors"
	"github.com/chaoskit/resilience-harness/pkg/log"
	"github.com/chaoskit/resilience-harness/pkg/types"
	"github.com/chaoskit/resilience-harness/pkg/utils/retry"
)

// RunHandle identifies one load run on the coordinator
type RunHandle struct {
	ID string `json:"runId"`
}

// Controller is the harness-side client of the load-generator coordinator
type Controller struct {
	endpoint    string
	client      *http.Client
	stopTimeout time.Duration
	pollWait    time.Duration

	mu      sync.Mutex
	stopped bool
	final   types.LoadStatsSample
}

// NewController builds a controller for the coordinator at endpoint.
// stopTimeout bounds how long Stop waits for a graceful ramp-down
func NewController(endpoint string, stopTimeout time.Duration) *Controller {
	if stopTimeout <= 0 {
		stopTimeout = 60 * time.Second
	}
	return &Controller{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: 15 * time.Second},
		stopTimeout: stopTimeout,
		pollWait:    time.Second,
	}
}

// WorkerCount asks the coordinator how many workers have registered
func (c *Controller) WorkerCount(ctx context.Context) (int, error) {
	var payload struct {
		Count int `json:"count"`
	}
	if err := c.get(ctx, "/api/v1/workers", &payload); err != nil {
		return 0, cerrors.LoadGeneratorUnavailable{Endpoint: c.endpoint, Reason: err.Error()}
	}
	return payload.Count, nil
}

// Configure pushes the load profile to the coordinator. It fails when fewer
// than profile.MinWorkers workers are registered
func (c *Controller) Configure(ctx context.Context, profile types.LoadProfile) error {
	workers, err := c.WorkerCount(ctx)
	if err != nil {
		return err
	}
	if workers < profile.MinWorkers {
		return cerrors.LoadGeneratorUnavailable{
			Endpoint: c.endpoint,
			Reason:   fmt.Sprintf("only %d of the required %d workers are registered", workers, profile.MinWorkers),
		}
	}

	if err := c.post(ctx, "/api/v1/profile", profile, nil); err != nil {
		return cerrors.LoadGeneratorUnavailable{Endpoint: c.endpoint, Reason: err.Error()}
	}
	log.InfoWithValues("[LoadGen]: Profile configured", map[string]interface{}{
		"PeakUsers": profile.PeakUsers,
		"RampRate":  profile.RampRate,
		"Duration":  profile.DurationSec,
		"Workers":   workers,
	})
	return nil
}

// Start begins the ramp-up; it does not block until peak load is reached
func (c *Controller) Start(ctx context.Context) (RunHandle, error) {
	var handle RunHandle
	if err := c.post(ctx, "/api/v1/run", nil, &handle); err != nil {
		return RunHandle{}, cerrors.LoadGeneratorUnavailable{Endpoint: c.endpoint, Reason: err.Error()}
	}
	log.Infof("[LoadGen]: Run %v started", handle.ID)
	return handle, nil
}

// PollStats returns the coordinator's current aggregate view. After the run
// has stopped it returns the final sample, idempotently
func (c *Controller) PollStats(ctx context.Context, handle RunHandle) (types.LoadStatsSample, error) {
	c.mu.Lock()
	if c.stopped {
		final := c.final
		c.mu.Unlock()
		return final, nil
	}
	c.mu.Unlock()

	return c.fetchStats(ctx, handle)
}

// Stop signals a graceful ramp-down and blocks until the coordinator reports
// zero active virtual users or the stop timeout elapses. A timeout yields
// the best-available sample and a warning, not a failure
func (c *Controller) Stop(ctx context.Context, handle RunHandle) (types.LoadStatsSample, error) {
	if err := c.post(ctx, "/api/v1/run/stop", handle, nil); err != nil {
		return types.LoadStatsSample{}, cerrors.LoadGeneratorUnavailable{Endpoint: c.endpoint, Reason: err.Error()}
	}

	var last types.LoadStatsSample
	deadline := time.Now().Add(c.stopTimeout)
	drainErr := retry.
		Times(uint(c.stopTimeout/c.pollWait) + 1).
		Wait(c.pollWait).
		TryWithContext(ctx, func(attempt uint) error {
			sample, err := c.fetchStats(ctx, handle)
			if err != nil {
				return err
			}
			last = sample
			if sample.ActiveUsers > 0 {
				if time.Now().After(deadline) {
					return errors.Errorf("%d users still active at stop timeout", sample.ActiveUsers)
				}
				return errors.Errorf("%d users still active", sample.ActiveUsers)
			}
			return nil
		})
	if drainErr != nil {
		log.Warnf("[LoadGen]: Graceful ramp-down incomplete after %v, keeping best-available sample, err: %v", c.stopTimeout, drainErr)
	}

	c.mu.Lock()
	c.stopped = true
	c.final = last
	c.mu.Unlock()
	return last, nil
}

func (c *Controller) fetchStats(ctx context.Context, handle RunHandle) (types.LoadStatsSample, error) {
	var sample types.LoadStatsSample
	if err := c.get(ctx, "/api/v1/run/"+handle.ID+"/stats", &sample); err != nil {
		return types.LoadStatsSample{}, cerrors.LoadGeneratorUnavailable{Endpoint: c.endpoint, Reason: err.Error()}
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	return sample, nil
}

func (c *Controller) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	return c.roundTrip(req, out)
}

func (c *Controller) post(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.roundTrip(req, out)
}

func (c *Controller) roundTrip(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("coordinator returned %s: %s", resp.Status, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
