// Package actor implements the per-entity actor model the fabric's
// concurrency design rests on: every Agent, Wallet, Escrow, Task, and
// RateLimitBucket has exactly one logical owner that serializes all
// mutations to it. Rather than one goroutine per entity id (unbounded
// under load), a hash of the id selects one of a fixed number of shard
// goroutines; every job routed to the same shard — whether or not it shares
// an id with another job — is executed one at a time, in arrival order.
package actor

import (
	"context"
	"fmt"
	"hash/fnv"
)

// Job is a unit of work submitted to a shard on behalf of some entity id.
type Job func()

type shard struct {
	inbox chan Job
	done  chan struct{}
}

func newShard(inboxSize int) *shard {
	s := &shard{
		inbox: make(chan Job, inboxSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *shard) run() {
	defer close(s.done)
	for job := range s.inbox {
		job()
	}
}

// System is a fixed pool of shards that entity ids are routed to by hash.
// It is the process-wide singleton the fabric's stores hand out actors
// from; callers never spawn goroutines themselves.
type System struct {
	shards []*shard
}

// NewSystem creates a System with the given number of shards, each with a
// bounded inbox of the given capacity. Both must be positive.
func NewSystem(shardCount, inboxSize int) *System {
	if shardCount <= 0 {
		shardCount = 1
	}
	if inboxSize <= 0 {
		inboxSize = 64
	}
	sys := &System{shards: make([]*shard, shardCount)}
	for i := range sys.shards {
		sys.shards[i] = newShard(inboxSize)
	}
	return sys
}

func (sys *System) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return sys.shards[int(h.Sum32())%len(sys.shards)]
}

// Tell enqueues fn to run on the shard owning id, without waiting for it to
// run. Returns an error if the shard's inbox is full (caller should treat
// this as backpressure, not data loss — the job is simply not enqueued).
func (sys *System) Tell(id string, fn Job) error {
	sh := sys.shardFor(id)
	select {
	case sh.inbox <- fn:
		return nil
	default:
		return fmt.Errorf("actor: shard for %q is saturated", id)
	}
}

// Ask enqueues fn to run on the shard owning id and blocks until it
// completes or ctx is cancelled, returning fn's error. This is the primary
// entry point used by the escrow, wallet, and task actors: every public
// mutation is a synchronous Ask against its entity id's shard so that two
// concurrent mutations of the same entity are totally ordered.
func Ask[T any](ctx context.Context, sys *System, id string, fn func() (T, error)) (T, error) {
	var zero T
	resultCh := make(chan struct {
		val T
		err error
	}, 1)

	job := func() {
		val, err := fn()
		resultCh <- struct {
			val T
			err error
		}{val, err}
	}

	sh := sys.shardFor(id)
	select {
	case sh.inbox <- job:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-resultCh:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// AskErr is Ask specialized to operations with no value result.
func AskErr(ctx context.Context, sys *System, id string, fn func() error) error {
	_, err := Ask(ctx, sys, id, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Shutdown closes every shard's inbox and waits for in-flight jobs to
// drain. No further Tell/Ask calls may be made once Shutdown returns.
func (sys *System) Shutdown() {
	for _, sh := range sys.shards {
		close(sh.inbox)
	}
	for _, sh := range sys.shards {
		<-sh.done
	}
}
