package blockchain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"voting-audit/models"
)

const (
	payloadGenesis   = "genesis"
	payloadVote      = "vote"
	payloadSupersede = "supersede"
)

type blockPayload struct {
	Kind         string `json:"kind"`
	SerialNumber string `json:"serial_number,omitempty"`
	VoteHash     string `json:"vote_hash,omitempty"`
}

// Chain is an in-process, hash-linked anchor ledger. Each anchored vote and
// each supersession is one mined block.
type Chain struct {
	mu         sync.RWMutex
	blocks     []*models.Block
	votes      map[string]uint64 // serial -> block index
	superseded map[string]bool
	difficulty uint8
	file       *ChainFile
	log        zerolog.Logger
	now        func() time.Time
}

// NewChain loads the chain from file (which may be nil for a memory-only
// chain) and creates a genesis block when it is empty.
func NewChain(file *ChainFile, difficulty uint8, log zerolog.Logger) (*Chain, error) {
	c := &Chain{
		votes:      make(map[string]uint64),
		superseded: make(map[string]bool),
		difficulty: difficulty,
		file:       file,
		log:        log.With().Str("module", "anchor-chain").Logger(),
		now:        time.Now,
	}

	if file != nil {
		blocks, err := file.Load()
		if err != nil {
			return nil, err
		}
		if err := models.ValidateChain(blocks); err != nil {
			return nil, fmt.Errorf("stored chain is invalid: %w", err)
		}
		for _, b := range blocks {
			if err := c.index(b); err != nil {
				return nil, err
			}
		}
		c.blocks = blocks
	}

	if len(c.blocks) == 0 {
		if _, err := c.appendBlock(context.Background(), blockPayload{Kind: payloadGenesis}); err != nil {
			return nil, fmt.Errorf("failed to create genesis block: %w", err)
		}
	}

	c.log.Info().Int("blocks", len(c.blocks)).Int("votes", len(c.votes)).Msg("anchor chain ready")
	return c, nil
}

func (c *Chain) RecordVote(ctx context.Context, voteHash, serialNumber string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The caller may have given up while we waited for the lock.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	if _, exists := c.votes[serialNumber]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAnchored, serialNumber)
	}

	block, err := c.appendBlock(ctx, blockPayload{
		Kind:         payloadVote,
		SerialNumber: serialNumber,
		VoteHash:     voteHash,
	})
	if err != nil {
		return nil, err
	}

	c.log.Debug().Uint64("block", block.Index).Str("tx", block.Hash.Hex()).Msg("vote anchored")
	return &Receipt{
		TxHash:      block.Hash.Hex(),
		BlockNumber: block.Index,
		Timestamp:   time.Unix(0, block.Timestamp).UTC(),
	}, nil
}

func (c *Chain) GetVoteRecord(ctx context.Context, serialNumber string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.votes[serialNumber]
	if !ok {
		return nil, ErrRecordNotFound
	}

	block := c.blocks[idx]
	var payload blockPayload
	if err := json.Unmarshal(block.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: corrupt block %d: %w", ErrLedgerUnavailable, idx, err)
	}

	return &Record{
		SerialNumber: serialNumber,
		VoteHash:     payload.VoteHash,
		TxHash:       block.Hash.Hex(),
		BlockNumber:  block.Index,
		Timestamp:    time.Unix(0, block.Timestamp).UTC(),
		Superseded:   c.superseded[serialNumber],
	}, nil
}

func (c *Chain) MarkSuperseded(ctx context.Context, serialNumber string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	if _, ok := c.votes[serialNumber]; !ok {
		return ErrRecordNotFound
	}
	if c.superseded[serialNumber] {
		return nil
	}

	_, err := c.appendBlock(ctx, blockPayload{Kind: payloadSupersede, SerialNumber: serialNumber})
	return err
}

// Blocks returns a copy of the chain.
func (c *Chain) Blocks() []*models.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	blocks := make([]*models.Block, len(c.blocks))
	copy(blocks, c.blocks)
	return blocks
}

func (c *Chain) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.ValidateChain(c.blocks)
}

// appendBlock mines, persists and indexes a block. Callers hold c.mu.
func (c *Chain) appendBlock(ctx context.Context, payload blockPayload) (*models.Block, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var (
		index    uint64
		prevHash common.Hash
		lastTime int64
	)
	if n := len(c.blocks); n > 0 {
		last := c.blocks[n-1]
		index, prevHash, lastTime = last.Index+1, last.Hash, last.Timestamp
	}

	block, err := models.NewBlock(ctx, index, ensureUniqueTimestamp(lastTime, c.now().UnixNano()), data, prevHash, c.difficulty)
	if err != nil {
		return nil, fmt.Errorf("%w: mining aborted: %w", ErrLedgerUnavailable, err)
	}
	if err := beginCommit(ctx); err != nil {
		return nil, err
	}

	c.blocks = append(c.blocks, block)
	if c.file != nil {
		if err := c.file.Save(c.blocks); err != nil {
			c.blocks = c.blocks[:len(c.blocks)-1]
			return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
		}
	}

	if err := c.index(block); err != nil {
		return nil, err
	}
	return block, nil
}

func (c *Chain) index(block *models.Block) error {
	var payload blockPayload
	if err := json.Unmarshal(block.Data, &payload); err != nil {
		return fmt.Errorf("failed to decode block %d: %w", block.Index, err)
	}

	switch payload.Kind {
	case payloadVote:
		c.votes[payload.SerialNumber] = block.Index
	case payloadSupersede:
		c.superseded[payload.SerialNumber] = true
	}
	return nil
}

func ensureUniqueTimestamp(lastTimestamp, currentTime int64) int64 {
	if currentTime <= lastTimestamp {
		return lastTimestamp + 1
	}
	return currentTime
}
