package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_RespectsLimitAndOrder(t *testing.T) {
	items := make([]int, 12)
	for i := range items {
		items[i] = i
	}

	var inFlight, peak int32
	out, err := Map(context.Background(), items, 3, func(_ context.Context, n int) (string, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		// Later items finish first so ordering cannot come from completion order.
		time.Sleep(time.Duration(12-n) * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return fmt.Sprintf("t%d", n), nil
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	require.Len(t, out, 12)
	for i, s := range out {
		assert.Equal(t, fmt.Sprintf("t%d", i), s)
	}
}

func TestMap_LimitBelowOneRunsSerially(t *testing.T) {
	var inFlight, peak int32
	_, err := Map(context.Background(), []int{1, 2, 3, 4}, 0, func(_ context.Context, n int) (int, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		if cur > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, cur)
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return n, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestMap_FirstErrorPropagates(t *testing.T) {
	boom := errors.New("get failed")

	out, err := Map(context.Background(), []string{"a", "b", "c"}, 2, func(ctx context.Context, s string) (string, error) {
		if s == "b" {
			return "", boom
		}
		return s, nil
	})

	assert.ErrorIs(t, err, boom)
	assert.Nil(t, out)
}

func TestMap_Empty(t *testing.T) {
	out, err := Map(context.Background(), nil, DefaultLimit, func(context.Context, int) (int, error) {
		t.Fatal("fn must not be called")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}
