package blockchain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"voting-audit/models"
)

const chainFileName = "anchor_chain.json"

// ChainFile persists the anchor chain as one JSON document.
type ChainFile struct {
	path string
	mu   sync.Mutex
}

type chainDocument struct {
	Blocks []*models.Block `json:"blocks"`
}

func NewChainFile(dir string) (*ChainFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chain directory: %w", err)
	}
	return &ChainFile{path: filepath.Join(dir, chainFileName)}, nil
}

func (f *ChainFile) Path() string { return f.path }

// Load returns the stored blocks, or nil when nothing was saved yet.
func (f *ChainFile) Load() ([]*models.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var doc chainDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain: %w", err)
	}
	return doc.Blocks, nil
}

func (f *ChainFile) Save(blocks []*models.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(chainDocument{Blocks: blocks}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal chain: %w", err)
	}

	// Write to temporary file first
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write chain file: %w", err)
	}

	// Atomic rename to ensure consistency
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save chain file: %w", err)
	}

	return nil
}
