//go:build linux || darwin

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLoopOptions_Defaults(t *testing.T) {
	cfg, err := resolveLoopOptions(nil)
	require.NoError(t, err)
	assert.Nil(t, cfg.logger)
	assert.Nil(t, cfg.resolver)
	assert.Nil(t, cfg.reportLimiter)
	assert.EqualValues(t, defaultResolverConcurrency, cfg.resolverConcurrency)
	assert.Equal(t, defaultPollBudget, cfg.pollBudget)
	assert.False(t, cfg.metricsEnabled)
	assert.False(t, cfg.debug)
}

func TestResolveLoopOptions_Invalid(t *testing.T) {
	for name, opt := range map[string]LoopOption{
		"resolver concurrency": WithResolverConcurrency(0),
		"poll budget low":      WithPollBudget(0),
		"poll budget high":     WithPollBudget(maxPollBudget + 1),
		"report rate limit":    WithReportRateLimit(map[time.Duration]int{time.Second: 0}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := resolveLoopOptions([]LoopOption{opt})
			assert.Error(t, err)

			loop, err := New(opt)
			assert.Error(t, err)
			assert.Nil(t, loop)
		})
	}
}

func TestResolveLoopOptions_Applied(t *testing.T) {
	resolver := &NetResolver{}
	handler := func(*Loop, ExceptionContext) error { return nil }

	cfg, err := resolveLoopOptions([]LoopOption{
		nil,
		WithResolver(resolver),
		WithExceptionHandler(handler),
		WithResolverConcurrency(7),
		WithPollBudget(32),
		WithReportRateLimit(map[time.Duration]int{time.Second: 5}),
		WithMetrics(true),
		WithDebug(true),
	})
	require.NoError(t, err)
	assert.Same(t, resolver, cfg.resolver)
	assert.NotNil(t, cfg.exceptionHandler)
	assert.EqualValues(t, 7, cfg.resolverConcurrency)
	assert.Equal(t, 32, cfg.pollBudget)
	assert.NotNil(t, cfg.reportLimiter)
	assert.True(t, cfg.metricsEnabled)
	assert.True(t, cfg.debug)

	cfg, err = resolveLoopOptions([]LoopOption{
		WithReportRateLimit(map[time.Duration]int{time.Second: 5}),
		WithReportRateLimit(nil),
	})
	require.NoError(t, err)
	assert.Nil(t, cfg.reportLimiter, "an empty map disables limiting")
}

func TestNew_Defaults(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })

	assert.NotNil(t, loop.logger, "defaults to a stumpy logger")
	assert.IsType(t, &NetResolver{}, loop.resolver)
	assert.Nil(t, loop.ExceptionHandler())
	assert.Equal(t, StateAwake, loop.State())
	assert.False(t, loop.IsRunning())
}
