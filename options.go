// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package task

import (
	"time"

	"github.com/joeycumines/logiface"
)

// schedulerOptions holds configuration resolved at Scheduler construction.
type schedulerOptions struct {
	logger            *logiface.Logger[logiface.Event]
	metricsEnabled    bool
	overloadThreshold int
	overloadRateLimit map[time.Duration]int
	defaultStackHint  int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption interface {
	applyScheduler(*schedulerOptions) error
}

type schedulerOptionFunc struct {
	fn func(*schedulerOptions) error
}

func (o *schedulerOptionFunc) applyScheduler(opts *schedulerOptions) error {
	return o.fn(opts)
}

// WithLogger attaches a structured logger to the scheduler. Task spawns are
// logged through it at Debug level, ready-queue overload at Warning level,
// and panics and poll failures at Error level; by default logging is a
// no-op logger (logiface.New with no writer).
func WithLogger(l *logiface.Logger[logiface.Event]) SchedulerOption {
	return &schedulerOptionFunc{func(opts *schedulerOptions) error {
		opts.logger = l
		return nil
	}}
}

// WithMetrics enables runtime metrics collection (tick latency, queue
// depths, task counts) accessible via Scheduler.Metrics.
func WithMetrics(enabled bool) SchedulerOption {
	return &schedulerOptionFunc{func(opts *schedulerOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithOverloadPolicy bounds how many ready tasks may be resumed in a single
// tick before the scheduler logs (rate-limited) an overload warning and
// yields back to the reactor. threshold <= 0 disables the check.
func WithOverloadPolicy(threshold int, rates map[time.Duration]int) SchedulerOption {
	return &schedulerOptionFunc{func(opts *schedulerOptions) error {
		opts.overloadThreshold = threshold
		opts.overloadRateLimit = rates
		return nil
	}}
}

func resolveSchedulerOptions(opts []SchedulerOption) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		overloadThreshold: 4096,
		overloadRateLimit: map[time.Duration]int{time.Second: 1},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = logiface.New[logiface.Event]()
	}
	return cfg, nil
}

// taskOptions holds configuration resolved at Spawn.
type taskOptions struct {
	name      string
	stackHint int
}

// TaskOption configures an individual Task at spawn time.
type TaskOption interface {
	applyTask(*taskOptions)
}

type taskOptionFunc struct {
	fn func(*taskOptions)
}

func (o *taskOptionFunc) applyTask(opts *taskOptions) {
	o.fn(opts)
}

// WithName attaches a diagnostic name to a task, surfaced by Task.Name and
// Task.String.
func WithName(name string) TaskOption {
	return &taskOptionFunc{func(opts *taskOptions) { opts.name = name }}
}

// WithStackHint records an informational stack-size hint in bytes. Go gives
// goroutine stacks no fixed size or guard page under caller control, so
// this does not allocate or reserve anything; it exists for API parity with
// systems that do size stacks explicitly, and is returned by Task.StackHint.
func WithStackHint(bytes int) TaskOption {
	return &taskOptionFunc{func(opts *taskOptions) { opts.stackHint = bytes }}
}

// defaultStackHint matches the conventional minimum stack size used by
// stackful coroutine runtimes (e.g. libten's default task stack).
const defaultStackHint = 256 * 1024

func resolveTaskOptions(opts []TaskOption) *taskOptions {
	cfg := &taskOptions{stackHint: defaultStackHint}
	for _, opt := range opts {
		if opt != nil {
			opt.applyTask(cfg)
		}
	}
	return cfg
}
