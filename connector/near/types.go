package near

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
)

// MaxGas is the largest amount of gas a single function call may attach.
const MaxGas uint64 = 300_000_000_000_000

var accountIDPattern = regexp.MustCompile(`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`)

// AccountID is a human readable NEAR account name such as "factory.testnet".
type AccountID string

func (a AccountID) String() string {
	return string(a)
}

func (a AccountID) Validate() error {
	if len(a) < 2 || len(a) > 64 {
		return fmt.Errorf("account id %q: length must be between 2 and 64", string(a))
	}
	if !accountIDPattern.MatchString(string(a)) {
		return fmt.Errorf("account id %q: invalid characters", string(a))
	}
	return nil
}

// CryptoHash is a sha256 digest, rendered as base58 on the wire.
type CryptoHash [32]byte

func ParseCryptoHash(s string) (CryptoHash, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return CryptoHash{}, fmt.Errorf("decode hash %q: %w", s, err)
	}
	if len(b) != len(CryptoHash{}) {
		return CryptoHash{}, fmt.Errorf("decode hash %q: expected 32 bytes, got %d", s, len(b))
	}
	var h CryptoHash
	copy(h[:], b)
	return h, nil
}

func (h CryptoHash) String() string {
	return base58.Encode(h[:])
}

func (h CryptoHash) IsZero() bool {
	return h == CryptoHash{}
}

func (h CryptoHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *CryptoHash) UnmarshalText(text []byte) error {
	parsed, err := ParseCryptoHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

const (
	KeyTypeED25519 uint8 = 0

	ed25519Prefix = "ed25519:"
)

// PublicKey is borsh encoded as a key type tag followed by the raw key.
type PublicKey struct {
	KeyType uint8
	Data    [32]byte
}

func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("parse public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("parse public key: expected %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	pk := PublicKey{KeyType: KeyTypeED25519}
	copy(pk.Data[:], raw)
	return pk, nil
}

func (k PublicKey) String() string {
	return ed25519Prefix + base58.Encode(k.Data[:])
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseSecretKey accepts either the 64 byte expanded form NEAR tooling writes
// or a bare 32 byte seed.
func ParseSecretKey(s string) (ed25519.PrivateKey, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return nil, fmt.Errorf("parse secret key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("parse secret key: unexpected length %d", len(raw))
	}
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, ed25519Prefix) {
		if strings.Contains(s, ":") {
			return nil, errors.New("only ed25519 keys are supported")
		}
	}
	return base58.Decode(strings.TrimPrefix(s, ed25519Prefix))
}

// RPCError is a JSON-RPC level error returned by a node.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TxExecutionError carries the structured failure of an included transaction.
type TxExecutionError struct {
	Hash    CryptoHash
	Failure json.RawMessage
}

func (e *TxExecutionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Hash, string(e.Failure))
}
