package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/rendis/conduit/pkg/schema"
)

// Default breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerGroup keeps one circuit breaker per tool name. When a tool fails
// repeatedly its circuit opens and subsequent calls fail fast with
// TOOL_UNAVAILABLE instead of piling retries onto a dead backend.
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	logger   *slog.Logger
}

// NewBreakerGroup creates an empty breaker group.
func NewBreakerGroup(logger *slog.Logger) *BreakerGroup {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerGroup{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		logger:   logger,
	}
}

// Execute runs fn through the circuit breaker for the named tool. An open
// circuit is reported as TOOL_UNAVAILABLE and is retryable, so a retry
// policy with backoff can wait out the open window.
func (g *BreakerGroup) Execute(tool string, fn func() (any, error)) (any, error) {
	out, err := g.get(tool).Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable,
				"tool %q circuit open", tool).WithCause(err)
		}
		return nil, err
	}
	return out, nil
}

// State returns the breaker state for a tool for monitoring.
func (g *BreakerGroup) State(tool string) gobreaker.State {
	return g.get(tool).State()
}

func (g *BreakerGroup) get(tool string) *gobreaker.CircuitBreaker[any] {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[tool]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "tool:" + tool,
		MaxRequests: 1, // one probe in half-open
		Interval:    defaultBreakerInterval,
		Timeout:     defaultBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultBreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	g.breakers[tool] = cb
	return cb
}
