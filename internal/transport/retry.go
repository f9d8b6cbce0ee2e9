package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
)

// RetryPolicy is a fixed-delay policy for gateway-class failures. Attempts
// counts every try, including the first.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Statuses []int
}

// DefaultTransientStatuses are the gateway and unavailable responses worth
// trying again. 529 is the messages API's overloaded status.
var DefaultTransientStatuses = []int{
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
	529,
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts: 3,
	Delay:    time.Second,
	Statuses: DefaultTransientStatuses,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}

	if p.Delay < 0 {
		p.Delay = 0
	}

	if len(p.Statuses) == 0 {
		p.Statuses = slices.Clone(DefaultTransientStatuses)
	}

	return p
}

func (p RetryPolicy) transient(status int) bool {
	return slices.Contains(p.Statuses, status)
}

// Send performs r with retries. It returns the first non-transient response,
// or the last transient one once attempts run out. If no attempt produced a
// response the last connection error is returned as a transport error.
//
// The executor's own result is not used: latest always holds the newest
// response, and every response it replaces is drained and closed.
func (c *Client) Send(ctx context.Context, r *Request) (*http.Response, error) {
	var latest *http.Response

	policy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}

			return resp != nil && c.policy.transient(resp.StatusCode)
		}).
		WithMaxAttempts(c.policy.Attempts).
		WithDelay(c.policy.Delay).
		ReturnLastFailure().
		Build()

	attempt := 0

	_, err := failsafe.With[*http.Response](policy).WithContext(ctx).Get(func() (*http.Response, error) {
		attempt++

		req, err := r.build(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn("Upstream attempt failed", "attempt", attempt, "url", r.URL, "error", err)
			c.notifyRetry(attempt, 0)

			return nil, err
		}

		if latest != nil {
			drainAndClose(latest.Body)
		}

		latest = resp

		if c.policy.transient(resp.StatusCode) {
			c.logger.Warn("Upstream returned transient status", "attempt", attempt, "status", resp.StatusCode)
			c.notifyRetry(attempt, resp.StatusCode)
		}

		return resp, nil
	})

	if ctx.Err() != nil {
		if latest != nil {
			drainAndClose(latest.Body)
		}

		return nil, ctx.Err()
	}

	if latest != nil {
		return latest, nil
	}

	if err == nil {
		return nil, apierr.Transport(errors.New("no upstream response"))
	}

	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return nil, err
	}

	return nil, apierr.Transport(err)
}

func (c *Client) notifyRetry(attempt, status int) {
	if c.OnRetry != nil && attempt < c.policy.Attempts {
		c.OnRetry(attempt, status)
	}
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}
