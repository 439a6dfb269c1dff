// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package retry runs remote operations under a bounded exponential backoff.
//
// The wait before retry n is Factor * Base^(n-1), so with the defaults an
// operation is attempted at most five times with waits of 10s, 20s, 40s and
// 80s between attempts. Every remote-service error is retried the same way;
// local errors are returned immediately.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultFactor      = 10 * time.Second
	DefaultBase        = 2.0
	DefaultMaxAttempts = 5
)

// Operation is a fallible call that may be attempted more than once.
type Operation func(ctx context.Context) error

// Policy describes how an Operation is retried.
type Policy struct {
	// Factor is the wait before the first retry.
	Factor time.Duration
	// Base is the multiplier applied to the wait after every retry.
	Base float64
	// MaxAttempts caps the total number of calls, including the first.
	MaxAttempts uint
	// Retryable decides whether an error is worth another attempt.
	// When nil, IsRemote is used.
	Retryable func(error) bool
	// Logger receives one line per retry. When nil, slog.Default is used.
	Logger *slog.Logger
	// Name is attached to retry log lines.
	Name string
	// OnRetry, if set, is called before each wait with the number of the
	// attempt that just failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Default returns the policy used for all S3 and STS calls.
func Default() Policy {
	return Policy{
		Factor:      DefaultFactor,
		Base:        DefaultBase,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Named returns a copy of p that labels its log lines with name.
func (p Policy) Named(name string) Policy {
	p.Name = name
	return p
}

func (p Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsRemote(err)
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Factor
	b.Multiplier = p.Base
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(1<<63 - 1)
	return b
}

// Do calls op until it succeeds, returns a non-retryable error, or the
// attempt cap is reached. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, op Operation) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Wrap returns op decorated with the retry behaviour of p.
func (p Policy) Wrap(op Operation) Operation {
	return func(ctx context.Context) error {
		return p.Do(ctx, op)
	}
}

// DoValue is Do for operations that produce a result.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	attempt := 0
	v, err := backoff.Retry(ctx,
		func() (T, error) {
			attempt++
			v, err := op(ctx)
			if err != nil && !p.retryable(err) {
				return v, backoff.Permanent(err)
			}
			return v, err
		},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			retryCounter.Add(ctx, 1)
			p.logger().Info("Error detected communicating with Amazon, triggering backoff",
				slog.String("operation", p.Name),
				slog.Int("try", attempt),
				slog.Duration("wait", wait),
				slog.Any("error", err))
			if p.OnRetry != nil {
				p.OnRetry(attempt, err, wait)
			}
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, err
}

// IsRemote reports whether err came back from a remote AWS service call,
// either as an API error or as a failure of the operation's transport.
func IsRemote(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return true
	}
	var opErr *smithy.OperationError
	return errors.As(err, &opErr)
}
