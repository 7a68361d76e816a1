package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

var fast = Policy{MaxTries: 4, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDoRetriesTransientFailures(t *testing.T) {
	calls := 0
	var notified []error
	v, err := Do(context.Background(), fast, isTransient,
		func(err error, _ time.Duration) { notified = append(notified, err) },
		func() (int, error) {
			calls++
			if calls < 3 {
				return 0, errTransient
			}
			return 42, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
	assert.Len(t, notified, 2)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast, isTransient, nil, func() (int, error) {
		calls++
		return 0, errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxTries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast, isTransient, nil, func() (struct{}, error) {
		calls++
		return struct{}{}, errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, Policy{MaxTries: 10, InitialInterval: time.Hour}, isTransient, nil, func() (int, error) {
		return 0, errTransient
	})
	assert.Error(t, err)
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, DefaultPolicy, p)
}
