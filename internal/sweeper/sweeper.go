// Package sweeper clears retained messages left behind on a broker.
//
// A sweep runs in three phases over a fixed target list: publish an empty
// retained message to every target, subscribe to each target to find the ones
// that still deliver a retained payload, and clear those once more.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dev-CorliJoni/simple-mqtt/pkg/log"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/topic"
)

const (
	DefaultSettle      = 200 * time.Millisecond
	DefaultProbeWindow = 400 * time.Millisecond
	DefaultConcurrency = 8

	unsubscribeTimeout = 5 * time.Second
)

var ErrNoTargets = errors.New("sweeper: no targets")

type Options struct {
	// Settle is the pause after a clear before the broker is probed.
	Settle time.Duration
	// ProbeWindow is how long retained deliveries are collected.
	ProbeWindow time.Duration
	// Concurrency bounds parallel publishes and subscribes.
	Concurrency int
}

func (o *Options) complete() {
	if o.Settle <= 0 {
		o.Settle = DefaultSettle
	}
	if o.ProbeWindow <= 0 {
		o.ProbeWindow = DefaultProbeWindow
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
}

// Result is the outcome for one target.
type Result struct {
	Topic string
	// Leftover is set when the probe still saw a retained payload.
	Leftover bool
	// Recleared is set when the second clear was published.
	Recleared bool
	Err       error
}

type Report struct {
	Results  []Result
	Duration time.Duration
}

// Leftovers returns the targets that needed a second clear.
func (r *Report) Leftovers() []string {
	var out []string
	for _, res := range r.Results {
		if res.Leftover {
			out = append(out, res.Topic)
		}
	}
	return out
}

// Failed counts targets with an error.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Sweeper clears retained messages through a dedicated connection. It never
// shares the connection of the code whose topics it cleans.
type Sweeper struct {
	conn *mqtt.Connection
	log  log.Logger
	opts Options
}

func New(conn *mqtt.Connection, logger log.Logger, opts Options) *Sweeper {
	opts.complete()
	return &Sweeper{conn: conn, log: logger.WithName("sweeper"), opts: opts}
}

// Sweep builds a fresh connection from b, sweeps targets and closes the
// connection again.
func Sweep(ctx context.Context, b *mqtt.Builder, logger log.Logger, opts Options, targets []string) (*Report, error) {
	conn, err := b.Build()
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.ConnectAndWait(ctx); err != nil {
		return nil, fmt.Errorf("sweeper: connect: %w", err)
	}
	return New(conn, logger, opts).Run(ctx, targets)
}

// Run sweeps targets. Per-target failures are reported in the result; Run
// itself fails only when the connection is unusable or ctx ends.
func (s *Sweeper) Run(ctx context.Context, targets []string) (*Report, error) {
	targets = dedupe(targets)
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if !s.conn.IsConnected() {
		return nil, fmt.Errorf("sweeper: %w", mqtt.ErrNotConnected)
	}

	start := time.Now()
	results := make([]Result, len(targets))
	for i, t := range targets {
		results[i].Topic = t
	}
	s.log.Info("Sweeping retained messages", "targets", len(targets))

	s.clear(ctx, results, func(*Result) bool { return true })
	if err := sleep(ctx, s.opts.Settle); err != nil {
		return nil, err
	}

	leftover, err := s.probe(ctx, results)
	if err != nil {
		return nil, err
	}
	for i := range results {
		if leftover[results[i].Topic] {
			results[i].Leftover = true
		}
	}

	if len(leftover) > 0 {
		s.log.Warn("Retained messages survived the first clear", "count", len(leftover))
		s.clear(ctx, results, func(r *Result) bool { return r.Leftover })
		for i := range results {
			if results[i].Leftover && results[i].Err == nil {
				results[i].Recleared = true
			}
		}
		if err := sleep(ctx, s.opts.Settle); err != nil {
			return nil, err
		}
	}

	report := &Report{Results: results, Duration: time.Since(start)}
	s.log.Info("Sweep finished",
		"targets", len(results),
		"leftovers", len(leftover),
		"failed", report.Failed(),
		"duration", report.Duration.String(),
	)
	return report, nil
}

// clear publishes an empty retained QoS 0 message to every selected target.
func (s *Sweeper) clear(ctx context.Context, results []Result, selected func(*Result) bool) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for i := range results {
		r := &results[i]
		if !selected(r) {
			continue
		}
		g.Go(func() error {
			if err := s.conn.Publish(gctx, r.Topic, nil, mqtt.AtMostOnce, true, true); err != nil {
				s.log.Warn("Failed to clear retained message", "topic", r.Topic, "error", err.Error())
				r.Err = err
			}
			return nil
		})
	}
	_ = g.Wait()
}

// probe subscribes to every target and collects those that still deliver a
// retained, non-empty payload within the probe window.
func (s *Sweeper) probe(ctx context.Context, results []Result) (map[string]bool, error) {
	var (
		mu       sync.Mutex
		leftover = make(map[string]bool)
	)
	collect := func(_ context.Context, _ *mqtt.Connection, msg mqtt.Message) error {
		if msg.Retain && len(msg.Payload) > 0 {
			mu.Lock()
			leftover[msg.Topic] = true
			mu.Unlock()
		}
		return nil
	}

	var subscribed sync.Map
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range results {
		r := &results[i]
		if !validFilter(r.Topic) {
			continue
		}
		g.Go(func() error {
			if _, err := s.conn.Subscribe(gctx, r.Topic, collect, mqtt.AtLeastOnce); err != nil {
				s.log.Warn("Failed to probe topic", "topic", r.Topic, "error", err.Error())
				if r.Err == nil {
					r.Err = err
				}
				return nil
			}
			subscribed.Store(r.Topic, struct{}{})
			return nil
		})
	}
	_ = g.Wait()

	waitErr := sleep(ctx, s.opts.ProbeWindow)

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unsubscribeTimeout)
	defer cancel()
	subscribed.Range(func(key, _ any) bool {
		if err := s.conn.Unsubscribe(uctx, key.(string)); err != nil {
			s.log.Debug("Failed to unsubscribe probe", "topic", key, "error", err.Error())
		}
		return true
	})
	if waitErr != nil {
		return nil, waitErr
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]bool, len(leftover))
	for k := range leftover {
		out[k] = true
	}
	return out, nil
}

func validFilter(name string) bool { return topic.ValidateTopic(name) == nil }

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
