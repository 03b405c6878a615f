package blockchain

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stallingAnchor ignores its context and answers after delay.
type stallingAnchor struct {
	delay      time.Duration
	superseded []string
}

func (s *stallingAnchor) RecordVote(_ context.Context, _, _ string) (*Receipt, error) {
	time.Sleep(s.delay)
	return &Receipt{TxHash: "0x01"}, nil
}

func (s *stallingAnchor) GetVoteRecord(_ context.Context, serial string) (*Record, error) {
	time.Sleep(s.delay)
	return &Record{SerialNumber: serial}, nil
}

func (s *stallingAnchor) MarkSuperseded(_ context.Context, serial string) error {
	s.superseded = append(s.superseded, serial)
	return nil
}

func TestWithTimeoutBoundsSlowLedger(t *testing.T) {
	a := WithTimeout(&stallingAnchor{delay: time.Second}, 20*time.Millisecond)

	start := time.Now()
	_, err := a.RecordVote(context.Background(), "0x01", "0000000000000001")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	_, err = a.GetVoteRecord(context.Background(), "0000000000000001")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestWithTimeoutPassesFastCalls(t *testing.T) {
	inner := &stallingAnchor{}
	a := WithTimeout(inner, time.Second)

	receipt, err := a.RecordVote(context.Background(), "0x01", "0000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "0x01", receipt.TxHash)

	s, ok := a.(Superseder)
	require.True(t, ok)
	require.NoError(t, s.MarkSuperseded(context.Background(), "0000000000000001"))
	assert.Equal(t, []string{"0000000000000001"}, inner.superseded)
}

func TestWithTimeoutDisabled(t *testing.T) {
	inner := &stallingAnchor{}
	assert.Same(t, Anchor(inner), WithTimeout(inner, 0))
}

func TestWithTimeoutAbandonedCallNeverCommits(t *testing.T) {
	file, err := NewChainFile(t.TempDir())
	require.NoError(t, err)
	chain, err := NewChain(file, 1, zerolog.Nop())
	require.NoError(t, err)
	before := len(chain.Blocks())

	a := WithTimeout(chain, 20*time.Millisecond)

	chain.mu.Lock()
	_, err = a.RecordVote(context.Background(), "0x01", "0000000000000001")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	s := a.(Superseder)
	assert.ErrorIs(t, s.MarkSuperseded(context.Background(), "0000000000000001"), ErrLedgerUnavailable)
	chain.mu.Unlock()

	assert.Never(t, func() bool {
		_, err := chain.GetVoteRecord(context.Background(), "0000000000000001")
		return err == nil || len(chain.Blocks()) != before
	}, 150*time.Millisecond, 10*time.Millisecond)

	stored, err := file.Load()
	require.NoError(t, err)
	assert.Len(t, stored, before)
}

func TestWithTimeoutAnswerMatchesChain(t *testing.T) {
	file, err := NewChainFile(t.TempDir())
	require.NoError(t, err)
	chain, err := NewChain(file, 2, zerolog.Nop())
	require.NoError(t, err)

	a := WithTimeout(chain, 3*time.Millisecond)

	const callers = 24
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.RecordVote(context.Background(), fmt.Sprintf("0x%02x", i), fmt.Sprintf("%016X", i))
		}(i)
	}
	wg.Wait()

	// Abandoned calls may still be queued on the lock; give them time to bail out.
	time.Sleep(100 * time.Millisecond)

	committed := 0
	for i, callErr := range errs {
		_, err := chain.GetVoteRecord(context.Background(), fmt.Sprintf("%016X", i))
		if callErr != nil {
			assert.ErrorIs(t, callErr, ErrLedgerUnavailable)
			assert.ErrorIs(t, err, ErrRecordNotFound, "caller %d was told unavailable", i)
			continue
		}
		committed++
		assert.NoError(t, err, "caller %d got a receipt", i)
	}
	assert.Len(t, chain.Blocks(), committed+1)
	require.NoError(t, chain.Validate())
}
