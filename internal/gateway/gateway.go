// Package gateway fronts the external completion services with bounded
// retry, outbound throttling, and primary→fallback switching.
package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kyeong6/EATceed-AI/internal/config"
	"github.com/Kyeong6/EATceed-AI/internal/resilience"
)

// CompletionRequest is a single prompt sent to a completion provider.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// CompletionResponse is the text result of a completion call.
type CompletionResponse struct {
	Text     string
	Provider string
	Model    string
}

// Provider is one external completion service instance.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Gateway routes completion calls to the primary provider with bounded
// retry on transient failures, then to the fallback for that single call.
type Gateway struct {
	primary  Provider
	fallback Provider
	retry    resilience.RetryConfig
	limiter  *rate.Limiter
	timeout  time.Duration // bounds one Call including retries and fallback
}

// New builds a Gateway. fallback may be nil, in which case exhausted
// primary attempts surface the primary's last error.
func New(primary, fallback Provider, cfg config.GatewayConfig) *Gateway {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := time.Duration(cfg.InitialBackoffMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	perMinute := cfg.CallsPerMinute
	if perMinute <= 0 {
		perMinute = 500
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Gateway{
		primary:  primary,
		fallback: fallback,
		retry: resilience.RetryConfig{
			MaxAttempts:    maxRetries + 1,
			InitialBackoff: backoff,
			Multiplier:     2.0,
			JitterFraction: 0.25,
			OnRetry:        resilience.RetryLogger(primary.Name(), "completion"),
		},
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
		timeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
	}
}

// withRetryConfig overrides the retry settings; used by tests to drop the
// backoff sleeps.
func (g *Gateway) withRetryConfig(cfg resilience.RetryConfig) *Gateway {
	g.retry = cfg
	return g
}

// withTimeout overrides the per-call deadline; used by tests.
func (g *Gateway) withTimeout(d time.Duration) *Gateway {
	g.timeout = d
	return g
}

// Call sends req to the primary provider, retrying transient failures up to
// the configured bound. When all primary attempts fail transiently it makes
// exactly one fallback attempt; a fallback success counts as a success.
// Non-transient errors fail immediately without retry or fallback. The
// configured request timeout caps the whole call, retries and fallback
// included.
func (g *Gateway) Call(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*CompletionResponse, error) {
		if waitErr := g.limiter.Wait(ctx); waitErr != nil {
			return nil, waitErr
		}
		return g.primary.Complete(ctx, req)
	})
	if err == nil {
		return resp, nil
	}

	// Only the transient failure class earns a fallback attempt.
	if g.fallback == nil || !resilience.IsTransient(err) {
		return nil, err
	}

	zap.L().Warn("primary provider exhausted, switching to fallback",
		zap.String("primary", g.primary.Name()),
		zap.String("fallback", g.fallback.Name()),
		zap.Error(err),
	)

	if waitErr := g.limiter.Wait(ctx); waitErr != nil {
		return nil, err
	}
	fbResp, fbErr := g.fallback.Complete(ctx, req)
	if fbErr != nil {
		zap.L().Error("fallback provider failed",
			zap.String("fallback", g.fallback.Name()),
			zap.Error(fbErr),
		)
		return nil, fbErr
	}
	return fbResp, nil
}
