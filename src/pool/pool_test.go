package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_PreservesIndexOrder(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}
	res, err := Run(context.Background(), items, Options{Workers: 6}, func(ctx context.Context, index int, item int) (string, error) {
		// 让后面的任务先完成
		time.Sleep(time.Duration(50-item) * 100 * time.Microsecond)
		return fmt.Sprintf("v%d", item), nil
	})
	require.NoError(t, err)
	require.Len(t, res, 50)
	for i, r := range res {
		assert.NoError(t, r.Err)
		assert.Equal(t, fmt.Sprintf("v%d", i), r.Value)
	}
}

func TestRun_BoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	items := make([]struct{}, 40)
	_, err := Run(context.Background(), items, Options{Workers: 4}, func(ctx context.Context, index int, _ struct{}) (int, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return index, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
}

func TestRun_WorkerClamping(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		items   int
	}{
		{"zero workers", 0, 3},
		{"negative workers", -2, 3},
		{"more workers than items", 16, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			res, err := Run(context.Background(), make([]int, tt.items), Options{Workers: tt.workers}, func(ctx context.Context, index int, _ int) (int, error) {
				atomic.AddInt32(&calls, 1)
				return index, nil
			})
			require.NoError(t, err)
			assert.Len(t, res, tt.items)
			assert.EqualValues(t, tt.items, calls)
		})
	}
}

func TestRun_Empty(t *testing.T) {
	called := false
	res, err := Run(context.Background(), []string{}, Options{Workers: 3, OnProgress: func(int, int) { called = true }}, func(ctx context.Context, index int, item string) (int, error) {
		called = true
		return 0, nil
	})
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.False(t, called)
}

func TestRun_AllOrNothing(t *testing.T) {
	boom := errors.New("boom")
	var after int32
	items := make([]int, 100)
	res, err := Run(context.Background(), items, Options{Workers: 2, Policy: AllOrNothing}, func(ctx context.Context, index int, _ int) (int, error) {
		if index == 3 {
			return 0, boom
		}
		if index > 10 {
			atomic.AddInt32(&after, 1)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Millisecond):
		}
		return index, nil
	})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var ue *UnitError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 3, ue.Index)
	// 失败后剩余任务不再被领取
	assert.Less(t, atomic.LoadInt32(&after), int32(89))
}

func TestRun_Tolerant(t *testing.T) {
	items := []string{"a", "bad", "c", "bad", "e"}
	res, err := Run(context.Background(), items, Options{Workers: 3, Policy: Tolerant}, func(ctx context.Context, index int, item string) (string, error) {
		if item == "bad" {
			return "", fmt.Errorf("item %d failed", index)
		}
		return item + item, nil
	})
	require.NoError(t, err)
	require.Len(t, res, 5)
	assert.Equal(t, "aa", res[0].Value)
	assert.EqualError(t, res[1].Err, "item 1 failed")
	assert.Equal(t, "cc", res[2].Value)
	assert.Error(t, res[3].Err)
	assert.Equal(t, "ee", res[4].Value)
}

func TestRun_Progress(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	totals := map[int]bool{}
	_, err := Run(context.Background(), make([]int, 7), Options{
		Workers: 3,
		OnProgress: func(completed, total int) {
			mu.Lock()
			seen = append(seen, completed)
			totals[total] = true
			mu.Unlock()
		},
	}, func(ctx context.Context, index int, _ int) (int, error) {
		return index, nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 7)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7}, seen)
	assert.Equal(t, map[int]bool{7: true}, totals)
}

func TestRun_ParentCancelTolerant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	res, err := Run(ctx, make([]int, 20), Options{Workers: 1, Policy: Tolerant}, func(ctx context.Context, index int, _ int) (int, error) {
		if index == 4 {
			cancel()
		}
		return index, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, res, 20)
	assert.Equal(t, 4, res[4].Value)
	assert.NoError(t, res[4].Err)
	assert.ErrorIs(t, res[19].Err, context.Canceled)
}
