// Package pool 有界并发执行一组任务，结果按输入下标存放
package pool

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Policy 单个任务失败时的处理方式
type Policy int

const (
	// AllOrNothing 任一任务失败即取消其余任务并返回该错误
	AllOrNothing Policy = iota
	// Tolerant 失败记录在对应下标上，整体不失败
	Tolerant
)

func (p Policy) String() string {
	if p == Tolerant {
		return "tolerant"
	}
	return "all-or-nothing"
}

// Options W 个 worker 共享一个游标
type Options struct {
	Workers int
	Policy  Policy
	// OnProgress 每完成一个任务调用一次，可能并发调用
	OnProgress func(completed, total int)
}

// Result 第 i 个任务的结果
type Result[T any] struct {
	Value T
	Err   error
}

// Run 对 items 逐个调用 fn。
// worker 数量会被限制在 [1, len(items)]；items 为空时直接返回空结果。
func Run[I, T any](ctx context.Context, items []I, opts Options, fn func(ctx context.Context, index int, item I) (T, error)) ([]Result[T], error) {
	total := len(items)
	if total == 0 {
		return []Result[T]{}, nil
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > total {
		workers = total
	}

	results := make([]Result[T], total)
	var cursor int64 = -1
	var completed int64

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					if opts.Policy == AllOrNothing {
						return err
					}
					return nil
				}
				i := int(atomic.AddInt64(&cursor, 1))
				if i >= total {
					return nil
				}
				v, err := fn(gctx, i, items[i])
				if err != nil && opts.Policy == AllOrNothing {
					return &UnitError{Index: i, Err: err}
				}
				results[i] = Result[T]{Value: v, Err: err}
				done := int(atomic.AddInt64(&completed, 1))
				if opts.OnProgress != nil {
					opts.OnProgress(done, total)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		// 父 context 取消后未被领取的任务
		for i := int(atomic.LoadInt64(&cursor)) + 1; i < total; i++ {
			results[i].Err = err
		}
		return results, err
	}
	return results, nil
}

// UnitError AllOrNothing 模式下导致整体失败的任务
type UnitError struct {
	Index int
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %d: %v", e.Index, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}
