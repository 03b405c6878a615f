package encryption

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/crypto/sha3"
)

// Engine turns a ballot selection into opaque ciphertext and fingerprints it.
// Encrypt must be randomized; Hash must be deterministic for a given ciphertext.
type Engine interface {
	Encrypt(selections map[string]string) ([]byte, error)
	Hash(ciphertext []byte) string
}

// Keccak256 computes Keccak-256 hash
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// ContentHash returns the 0x-prefixed Keccak-256 digest of a ciphertext.
func ContentHash(ciphertext []byte) string {
	return hexutil.Encode(Keccak256(ciphertext))
}

// ECIESEngine encrypts selections to the election public key using an
// ephemeral-key ElGamal style KEM with AES and an HMAC tag.
type ECIESEngine struct {
	pub  *ecies.PublicKey
	priv *ecies.PrivateKey
}

func NewECIESEngine(pub *ecdsa.PublicKey) *ECIESEngine {
	return &ECIESEngine{pub: ecies.ImportECDSAPublic(pub)}
}

// NewECIESEngineWithKey builds an engine that can also open ballots, for
// tally and audit tooling that holds the election key.
func NewECIESEngineWithKey(priv *ecdsa.PrivateKey) *ECIESEngine {
	p := ecies.ImportECDSA(priv)
	return &ECIESEngine{pub: &p.PublicKey, priv: p}
}

func (e *ECIESEngine) Encrypt(selections map[string]string) ([]byte, error) {
	if len(selections) == 0 {
		return nil, errors.New("empty ballot selection")
	}

	// encoding/json sorts map keys, so equal selections share one plaintext.
	plaintext, err := json.Marshal(selections)
	if err != nil {
		return nil, fmt.Errorf("failed to encode selections: %w", err)
	}

	ciphertext, err := ecies.Encrypt(rand.Reader, e.pub, plaintext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt ballot: %w", err)
	}
	return ciphertext, nil
}

func (e *ECIESEngine) Hash(ciphertext []byte) string {
	return ContentHash(ciphertext)
}

func (e *ECIESEngine) Decrypt(ciphertext []byte) (map[string]string, error) {
	if e.priv == nil {
		return nil, errors.New("engine has no private key")
	}

	plaintext, err := e.priv.Decrypt(ciphertext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt ballot: %w", err)
	}

	var selections map[string]string
	if err := json.Unmarshal(plaintext, &selections); err != nil {
		return nil, fmt.Errorf("failed to decode selections: %w", err)
	}
	return selections, nil
}
