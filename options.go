// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

const (
	defaultResolverConcurrency = 4
	defaultPollBudget          = 256
	maxPollBudget              = 4096
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger              *logiface.Logger[logiface.Event]
	exceptionHandler    ExceptionHandler
	resolver            Resolver
	reportLimiter       *catrate.Limiter
	resolverConcurrency int64
	pollBudget          int
	metricsEnabled      bool
	debug               bool
}

// --- Loop Options ---

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

// WithLogger sets the structured logger used for internal diagnostics, and
// as the sink of the default exception handler. A nil logger restores the
// default, a stumpy JSON logger writing to stderr.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithExceptionHandler installs a custom exception handler, equivalent to
// calling [Loop.SetExceptionHandler] immediately after construction.
func WithExceptionHandler(handler ExceptionHandler) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.exceptionHandler = handler
		return nil
	}}
}

// WithResolver sets the resolver used by [Loop.GetAddrInfo] and
// [Loop.GetNameInfo]. Defaults to a [NetResolver] using [net.DefaultResolver].
func WithResolver(resolver Resolver) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.resolver = resolver
		return nil
	}}
}

// WithResolverConcurrency bounds the number of resolver calls that may run
// at the same time. Defaults to 4.
func WithResolverConcurrency(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n < 1 {
			return fmt.Errorf("reactor: resolver concurrency must be positive, got %d", n)
		}
		opts.resolverConcurrency = int64(n)
		return nil
	}}
}

// WithReportRateLimit limits how often the default exception handler will
// emit a report with the same message, using sliding windows as understood
// by [catrate.NewLimiter]. Reports over the limit are counted (see
// [Loop.Metrics]) and dropped. An empty map disables limiting, which is the
// default.
func WithReportRateLimit(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) (err error) {
		if len(rates) == 0 {
			opts.reportLimiter = nil
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("reactor: invalid report rate limit: %v", r)
			}
		}()
		opts.reportLimiter = catrate.NewLimiter(rates)
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, metrics can be accessed via Loop.Metrics().
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithDebug enables debug mode, in which every [Handle] records the stack
// that created it. The stack is reported as handle_traceback by the default
// exception handler.
func WithDebug(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.debug = enabled
		return nil
	}}
}

// WithPollBudget sets the maximum number of readiness events consumed per
// poll. Must be between 1 and 4096, defaults to 256.
func WithPollBudget(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n < 1 || n > maxPollBudget {
			return fmt.Errorf("reactor: poll budget out of range [1, %d]: %d", maxPollBudget, n)
		}
		opts.pollBudget = n
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		resolverConcurrency: defaultResolverConcurrency,
		pollBudget:          defaultPollBudget,
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
