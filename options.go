// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// defaultAccuracy is substituted whenever a time source is added with an
// accuracy of zero.
const defaultAccuracy = 250 * time.Millisecond

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	defaultAccuracy time.Duration
	perturb         time.Duration
	perturbSet      bool
	watchdogPeriod  time.Duration
	logger          *logiface.Logger[*stumpy.Event]
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithDefaultAccuracy overrides the accuracy substituted for time sources
// added with accuracy zero. The default is 250ms.
func WithDefaultAccuracy(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return errInvalidArgument("WithDefaultAccuracy", "accuracy must be positive")
		}
		opts.defaultAccuracy = d
		return nil
	}}
}

// WithPerturb overrides the coalescing perturb value normally derived from
// the host boot identity. Primarily useful for deterministic tests (see the
// coalescing scenario in the test suite, which fixes perturb to zero).
func WithPerturb(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.perturb = d
		opts.perturbSet = true
		return nil
	}}
}

// WithWatchdogPeriod sets the host-advertised watchdog period. A zero value
// (the default) takes the period from the WATCHDOG_USEC environment
// variable instead; if that is unset or invalid too, the watchdog stays
// disabled regardless of SetWatchdog.
func WithWatchdogPeriod(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d < 0 {
			return errInvalidArgument("WithWatchdogPeriod", "period must not be negative")
		}
		opts.watchdogPeriod = d
		return nil
	}}
}

// WithLogger installs a structured logger for the loop's internal
// diagnostics (callback failures, tolerated kernel errors). If unset, a
// package-level default logger writing to os.Stderr is used.
func WithLogger(logger *logiface.Logger[*stumpy.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		defaultAccuracy: defaultAccuracy,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
