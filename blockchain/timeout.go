package blockchain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

type timeoutAnchor struct {
	next    Anchor
	timeout time.Duration
}

// WithTimeout bounds every call to next. A call that outlives the timeout
// returns ErrLedgerUnavailable even if next ignores its context. A Chain
// that has already committed its block when the timeout fires is waited
// for, so an unavailable answer never hides a written block.
func WithTimeout(next Anchor, timeout time.Duration) Anchor {
	if timeout <= 0 {
		return next
	}
	return &timeoutAnchor{next: next, timeout: timeout}
}

func (a *timeoutAnchor) RecordVote(ctx context.Context, voteHash, serialNumber string) (*Receipt, error) {
	return bounded(ctx, a.timeout, func(ctx context.Context) (*Receipt, error) {
		return a.next.RecordVote(ctx, voteHash, serialNumber)
	})
}

func (a *timeoutAnchor) GetVoteRecord(ctx context.Context, serialNumber string) (*Record, error) {
	return bounded(ctx, a.timeout, func(ctx context.Context) (*Record, error) {
		return a.next.GetVoteRecord(ctx, serialNumber)
	})
}

func (a *timeoutAnchor) MarkSuperseded(ctx context.Context, serialNumber string) error {
	s, ok := a.next.(Superseder)
	if !ok {
		return nil
	}
	_, err := bounded(ctx, a.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.MarkSuperseded(ctx, serialNumber)
	})
	return err
}

type outcome[T any] struct {
	value T
	err   error
}

const (
	gateOpen int32 = iota
	gateCommitted
	gateAbandoned
)

type gateKey struct{}

// commitGate decides, exactly once, whether a bounded call commits or is
// abandoned by its caller.
type commitGate struct {
	state atomic.Int32
}

func (g *commitGate) abandon() bool {
	return g.state.CompareAndSwap(gateOpen, gateAbandoned)
}

// beginCommit must succeed before a write becomes durable.
func beginCommit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	g, ok := ctx.Value(gateKey{}).(*commitGate)
	if ok && !g.state.CompareAndSwap(gateOpen, gateCommitted) {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, context.DeadlineExceeded)
	}
	return nil
}

func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	gate := &commitGate{}
	ctx = context.WithValue(ctx, gateKey{}, gate)

	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome[T]{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		if !gate.abandon() {
			o := <-done
			return o.value, o.err
		}
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrLedgerUnavailable, ctx.Err())
	}
}
