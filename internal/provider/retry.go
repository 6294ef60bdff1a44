package provider

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/classpilot/agent-platform/pkg/metrics"
)

// retryingHandle retries transient failures at the provider-call
// boundary. Streams are only retried when nothing has been delivered to
// the caller yet; a partially delivered stream is not replayable.
type retryingHandle struct {
	Handle
	maxRetries uint64
}

func withRetry(h Handle, maxRetries int) Handle {
	if maxRetries <= 0 {
		return h
	}
	return &retryingHandle{Handle: h, maxRetries: uint64(maxRetries)}
}

func (h *retryingHandle) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, h.maxRetries), ctx)
}

func (h *retryingHandle) Generate(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		resp, err = h.Handle.Generate(ctx, req)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		if attempt > 1 {
			metrics.ProviderRetriesTotal.WithLabelValues(h.Name()).Inc()
		}
		return err
	}, h.policy(ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (h *retryingHandle) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	var resp *Response
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		delivered := false
		wrapped := func(c Chunk) error {
			delivered = true
			return fn(c)
		}
		var err error
		resp, err = h.Handle.Stream(ctx, req, wrapped)
		if err == nil {
			return nil
		}
		if delivered || !isTransient(err) {
			return backoff.Permanent(err)
		}
		if attempt > 1 {
			metrics.ProviderRetriesTotal.WithLabelValues(h.Name()).Inc()
		}
		return err
	}, h.policy(ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// isTransient classifies provider failures worth retrying: network
// errors, rate limits, and upstream 5xx responses.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "rate_limit", "429", "overloaded",
		"500", "502", "503", "504",
		"connection reset", "connection refused", "timeout", "temporarily",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
