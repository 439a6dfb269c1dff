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

package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() (Policy, *[]time.Duration) {
	var mu sync.Mutex
	waits := &[]time.Duration{}
	p := Policy{
		Factor:      time.Millisecond,
		Base:        2,
		MaxAttempts: 5,
		OnRetry: func(_ int, _ error, wait time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			*waits = append(*waits, wait)
		},
	}
	return p, waits
}

func throttled() error {
	return &smithy.GenericAPIError{Code: "SlowDown", Message: "please reduce your request rate"}
}

func TestDo_SucceedsOnFifthAttempt(t *testing.T) {
	p, waits := fastPolicy()

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls <= 4 {
			return throttled()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	require.Len(t, *waits, 4)
	for i := 1; i < len(*waits); i++ {
		assert.Greater(t, (*waits)[i], (*waits)[i-1], "waits must strictly increase")
	}
	assert.Equal(t, []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond,
	}, *waits)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	p, waits := fastPolicy()

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("put object: %w", throttled())
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.Len(t, *waits, 4)
	var apiErr smithy.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "SlowDown", apiErr.ErrorCode())
}

func TestDo_LocalErrorIsNotRetried(t *testing.T) {
	p, waits := fastPolicy()
	local := errors.New("open /tmp/missing: no such file or directory")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return local
	})

	assert.ErrorIs(t, err, local)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)
}

func TestDo_PermissionDeniedIsRetriedLikeAnyRemoteError(t *testing.T) {
	p, _ := fastPolicy()

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls)
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	p := Policy{Factor: time.Hour, Base: 2, MaxAttempts: 5}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context) error {
			calls++
			return throttled()
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestDoValue_ReturnsResult(t *testing.T) {
	p, _ := fastPolicy()

	calls := 0
	v, err := DoValue(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", throttled()
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestWrap(t *testing.T) {
	p, _ := fastPolicy()

	calls := 0
	op := p.Wrap(func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return throttled()
		}
		return nil
	})

	require.NoError(t, op(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestIsRemote(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"api error", throttled(), true},
		{"wrapped api error", fmt.Errorf("upload: %w", throttled()), true},
		{"operation error", &smithy.OperationError{ServiceID: "S3", OperationName: "PutObject", Err: errors.New("connection reset")}, true},
		{"cancelled", context.Canceled, false},
		{"cancelled operation", &smithy.OperationError{ServiceID: "S3", OperationName: "PutObject", Err: context.Canceled}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRemote(tt.err))
		})
	}
}

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, 10*time.Second, p.Factor)
	assert.Equal(t, 2.0, p.Base)
	assert.Equal(t, uint(5), p.MaxAttempts)
	assert.Equal(t, "put", p.Named("put").Name)
}
