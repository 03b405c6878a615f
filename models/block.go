package models

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Block struct {
	Index      uint64      `json:"index"`
	Timestamp  int64       `json:"timestamp"`
	Data       []byte      `json:"data"`
	PrevHash   common.Hash `json:"prev_hash"`
	Hash       common.Hash `json:"hash"`
	Nonce      uint64      `json:"nonce"`
	Difficulty uint8       `json:"difficulty"` // Number of leading zero bytes required
}

// NewBlock builds and mines a block. Mining stops early when ctx is done.
func NewBlock(ctx context.Context, index uint64, timestamp int64, data []byte, prevHash common.Hash, difficulty uint8) (*Block, error) {
	block := &Block{
		Index:      index,
		Timestamp:  timestamp,
		Data:       data,
		PrevHash:   prevHash,
		Difficulty: difficulty,
	}
	if err := block.Mine(ctx); err != nil {
		return nil, err
	}
	return block, nil
}

func (b *Block) Mine(ctx context.Context) error {
	target := make([]byte, b.Difficulty)
	var nonce uint64
	for {
		b.Nonce = nonce
		b.Hash = b.calculateHash()

		if bytes.HasPrefix(b.Hash[:], target) {
			return nil
		}

		nonce++
		if nonce%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
}

func (b *Block) calculateHash() common.Hash {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, b.Index)
	binary.Write(buffer, binary.BigEndian, b.Timestamp)
	buffer.Write(b.Data)
	buffer.Write(b.PrevHash[:])
	binary.Write(buffer, binary.BigEndian, b.Nonce)

	return crypto.Keccak256Hash(buffer.Bytes())
}

func (b *Block) Validate() bool {
	calculated := b.calculateHash()
	if calculated != b.Hash {
		return false
	}

	target := make([]byte, b.Difficulty)
	return bytes.HasPrefix(calculated[:], target)
}

// ValidateChain checks every block's proof of work, hash link, index and
// timestamp ordering, and reports the first violation.
func ValidateChain(blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}

	if !blocks[0].Validate() {
		return fmt.Errorf("genesis block has invalid hash %s", blocks[0].Hash.Hex())
	}

	for i := 1; i < len(blocks); i++ {
		current := blocks[i]
		previous := blocks[i-1]

		if !current.Validate() {
			return fmt.Errorf("block %d has invalid hash", i)
		}
		if current.PrevHash != previous.Hash {
			return fmt.Errorf("block %d has invalid previous hash link", i)
		}
		if current.Index != previous.Index+1 {
			return fmt.Errorf("block %d has invalid index %d", i, current.Index)
		}
		if current.Timestamp <= previous.Timestamp {
			return fmt.Errorf("block %d has non-increasing timestamp", i)
		}
	}

	return nil
}
