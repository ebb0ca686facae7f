package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "explicit unresolved", err: Mark(KindUnresolved, errors.New("no contract")), want: KindUnresolved},
		{name: "wrapped explicit", err: fmt.Errorf("resolve: %w", Mark(KindAuthorization, errors.New("bad sig"))), want: KindAuthorization},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTransient},
		{name: "insufficient funds", err: errors.New("insufficient funds for gas * price + value"), want: KindInsufficientFunds},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), want: KindTransient},
		{name: "rate limited", err: errors.New("429 Too Many Requests"), want: KindTransient},
		{name: "revert", err: errors.New("execution reverted: invalid signature"), want: KindUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestKind_Permanent(t *testing.T) {
	assert.True(t, KindUnresolved.Permanent())
	assert.True(t, KindSourceFailed.Permanent())
	assert.False(t, KindInsufficientFunds.Permanent())
	assert.False(t, KindAuthorization.Permanent())
	assert.False(t, KindTransient.Permanent())
}

func TestIsConnectionLoss(t *testing.T) {
	assert.True(t, IsConnectionLoss(errors.New("websocket: close 1006 (abnormal closure)")))
	assert.True(t, IsConnectionLoss(errors.New("read: connection reset by peer")))
	assert.False(t, IsConnectionLoss(errors.New("execution reverted")))
	assert.False(t, IsConnectionLoss(nil))
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnNonTransient(t *testing.T) {
	calls := 0
	want := Mark(KindUnresolved, errors.New("no destination"))
	err := Do(context.Background(), Fixed(5, time.Millisecond), func(context.Context) error {
		calls++
		return want
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindUnresolved, KindOf(err))
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(2, time.Millisecond), func(context.Context) error {
		calls++
		return Transient(fmt.Errorf("attempt %d", calls))
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "attempt 2", err.Error())
}

func TestDo_StopUnwrapsOriginalError(t *testing.T) {
	sentinel := errors.New("record missing")
	calls := 0
	err := Do(context.Background(), Fixed(4, time.Millisecond), func(context.Context) error {
		calls++
		return Stop(sentinel)
	}, Always())

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, sentinel)
}

func TestDo_BackoffWithJitterStillBounded(t *testing.T) {
	calls := 0
	policy := Policy{Attempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxJitter: time.Millisecond, Backoff: true}
	err := Do(context.Background(), policy, func(context.Context) error {
		calls++
		return errors.New("boom")
	}, Always())

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ZeroPolicyRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return Transient(errors.New("x"))
	})
	assert.Equal(t, 1, calls)
}
