package encryption

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyFile is the on-disk form of the election key pair.
type KeyFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadOrGenerateKey restores the election key from path, creating and saving a
// fresh secp256k1 key when the file does not exist yet. An empty path yields
// an ephemeral key that is never written.
func LoadOrGenerateKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return crypto.GenerateKey()
	}

	if data, err := os.ReadFile(path); err == nil {
		var kf KeyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("failed to parse election key: %w", err)
		}

		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(kf.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to restore election private key: %w", err)
		}
		return privateKey, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read election key: %w", err)
	}

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate election key: %w", err)
	}

	kf := KeyFile{
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&privateKey.PublicKey)),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(privateKey)),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal election key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save election key: %w", err)
	}

	return privateKey, nil
}
