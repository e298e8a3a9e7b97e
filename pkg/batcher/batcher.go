/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Result is the output and error of one batched request.
type Result[U any] struct {
	Output *U
	Err    error
}

// BatchExecutor executes the aggregated inputs and returns one Result per
// input, index-aligned.
type BatchExecutor[T any, U any] func(ctx context.Context, inputs []*T) []Result[U]

// RequestHasher groups inputs that may be aggregated into one call.
type RequestHasher[T any] func(ctx context.Context, input *T) uint64

// Options configures a Batcher.
type Options[T any, U any] struct {
	IdleTimeout   time.Duration
	MaxTimeout    time.Duration
	MaxItems      int
	RequestHasher RequestHasher[T]
	BatchExecutor BatchExecutor[T, U]
}

// Batcher coalesces single-item requests into batched API calls. A batch
// fires when no new request has arrived for IdleTimeout, when the oldest
// request has waited MaxTimeout, or when MaxItems requests have accumulated.
type Batcher[T any, U any] struct {
	ctx     context.Context
	options Options[T, U]

	mu      sync.Mutex
	batches map[uint64]*batch[T, U]
}

type request[T any, U any] struct {
	input    *T
	resultCh chan Result[U]
}

type batch[T any, U any] struct {
	requests  []*request[T, U]
	idleTimer *time.Timer
	maxTimer  *time.Timer
	fired     bool
}

func NewBatcher[T any, U any](ctx context.Context, options Options[T, U]) *Batcher[T, U] {
	return &Batcher[T, U]{
		ctx:     ctx,
		options: options,
		batches: map[uint64]*batch[T, U]{},
	}
}

// Add blocks until the batch containing input has executed and returns this
// input's share of the result. Callers pass exactly one logical item per Add.
func (b *Batcher[T, U]) Add(ctx context.Context, input *T) Result[U] {
	hash := b.options.RequestHasher(ctx, input)
	req := &request[T, U]{input: input, resultCh: make(chan Result[U], 1)}

	b.mu.Lock()
	ba, ok := b.batches[hash]
	if !ok || ba.fired {
		ba = &batch[T, U]{}
		b.batches[hash] = ba
		ba.idleTimer = time.AfterFunc(b.options.IdleTimeout, func() { b.fire(hash, ba) })
		ba.maxTimer = time.AfterFunc(b.options.MaxTimeout, func() { b.fire(hash, ba) })
	} else {
		ba.idleTimer.Reset(b.options.IdleTimeout)
	}
	ba.requests = append(ba.requests, req)
	if len(ba.requests) >= b.options.MaxItems {
		b.fireLocked(hash, ba)
	}
	b.mu.Unlock()

	select {
	case result := <-req.resultCh:
		return result
	case <-ctx.Done():
		return Result[U]{Err: ctx.Err()}
	}
}

func (b *Batcher[T, U]) fire(hash uint64, ba *batch[T, U]) {
	b.mu.Lock()
	if b.batches[hash] != ba || ba.fired {
		b.mu.Unlock()
		return
	}
	b.fireLocked(hash, ba)
	b.mu.Unlock()
}

// fireLocked detaches the batch so later Adds start a fresh one, then runs
// the executor off the lock.
func (b *Batcher[T, U]) fireLocked(hash uint64, ba *batch[T, U]) {
	ba.fired = true
	ba.idleTimer.Stop()
	ba.maxTimer.Stop()
	delete(b.batches, hash)
	go b.run(ba)
}

func (b *Batcher[T, U]) run(ba *batch[T, U]) {
	inputs := lo.Map(ba.requests, func(r *request[T, U], _ int) *T { return r.input })
	results := b.options.BatchExecutor(b.ctx, inputs)
	for i, req := range ba.requests {
		if i < len(results) {
			req.resultCh <- results[i]
		} else {
			req.resultCh <- Result[U]{Err: context.Canceled}
		}
	}
}
