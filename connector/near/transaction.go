package near

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/near/borsh-go"
)

const (
	ActionCreateAccount borsh.Enum = iota
	ActionDeployContract
	ActionFunctionCall
	ActionTransfer
)

// Balance is a little endian u128 amount of yoctoNEAR.
type Balance [16]byte

func NewBalance(v uint64) Balance {
	var b Balance
	binary.LittleEndian.PutUint64(b[:8], v)
	return b
}

type (
	DeployContract struct {
		Code []byte
	}

	FunctionCall struct {
		MethodName string
		Args       []byte
		Gas        uint64
		Deposit    Balance
	}

	Transfer struct {
		Deposit Balance
	}

	// Action is a borsh enum; only the field selected by Enum is encoded.
	Action struct {
		Enum           borsh.Enum `borsh_enum:"true"`
		CreateAccount  struct{}
		DeployContract DeployContract
		FunctionCall   FunctionCall
		Transfer       Transfer
	}

	Transaction struct {
		SignerID   string
		PublicKey  PublicKey
		Nonce      uint64
		ReceiverID string
		BlockHash  CryptoHash
		Actions    []Action
	}

	Signature struct {
		KeyType uint8
		Data    [64]byte
	}

	SignedTransaction struct {
		Transaction Transaction
		Signature   Signature
	}
)

func DeployContractAction(code []byte) Action {
	return Action{Enum: ActionDeployContract, DeployContract: DeployContract{Code: code}}
}

func FunctionCallAction(method string, args []byte, gas uint64, deposit Balance) Action {
	return Action{Enum: ActionFunctionCall, FunctionCall: FunctionCall{
		MethodName: method,
		Args:       args,
		Gas:        gas,
		Deposit:    deposit,
	}}
}

// Hash is the sha256 of the borsh encoded transaction; it is both the
// transaction id and the signed payload.
func (tx Transaction) Hash() (CryptoHash, error) {
	raw, err := borsh.Serialize(tx)
	if err != nil {
		return CryptoHash{}, fmt.Errorf("serialize transaction: %w", err)
	}
	return sha256.Sum256(raw), nil
}

func (s SignedTransaction) Encode() ([]byte, error) {
	raw, err := borsh.Serialize(s)
	if err != nil {
		return nil, fmt.Errorf("serialize signed transaction: %w", err)
	}
	return raw, nil
}

func DecodeSignedTransaction(raw []byte) (SignedTransaction, error) {
	var s SignedTransaction
	if err := borsh.Deserialize(&s, raw); err != nil {
		return SignedTransaction{}, fmt.Errorf("deserialize signed transaction: %w", err)
	}
	return s, nil
}

// Signer holds a full access key for one account.
type Signer struct {
	AccountID AccountID
	PublicKey PublicKey
	key       ed25519.PrivateKey
}

func NewSigner(account AccountID, key ed25519.PrivateKey) *Signer {
	pk := PublicKey{KeyType: KeyTypeED25519}
	copy(pk.Data[:], key.Public().(ed25519.PublicKey))
	return &Signer{AccountID: account, PublicKey: pk, key: key}
}

func (s *Signer) Sign(tx Transaction) (SignedTransaction, CryptoHash, error) {
	hash, err := tx.Hash()
	if err != nil {
		return SignedTransaction{}, CryptoHash{}, err
	}
	sig := Signature{KeyType: KeyTypeED25519}
	copy(sig.Data[:], ed25519.Sign(s.key, hash[:]))
	return SignedTransaction{Transaction: tx, Signature: sig}, hash, nil
}

// Verify reports whether the signature matches the transaction and key.
func (s SignedTransaction) Verify() bool {
	hash, err := s.Transaction.Hash()
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(s.Transaction.PublicKey.Data[:]), hash[:], s.Signature.Data[:])
}

func encodeBase64(s SignedTransaction) (string, error) {
	raw, err := s.Encode()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// KeyFile is the JSON credential format written by near-cli.
type KeyFile struct {
	AccountID  AccountID `json:"account_id"`
	PublicKey  string    `json:"public_key"`
	SecretKey  string    `json:"secret_key,omitempty"`
	PrivateKey string    `json:"private_key,omitempty"`
}

func LoadKeyFile(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf KeyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	return kf.Signer()
}

func (kf KeyFile) Signer() (*Signer, error) {
	secret := kf.SecretKey
	if secret == "" {
		secret = kf.PrivateKey
	}
	if secret == "" {
		return nil, fmt.Errorf("key file for %s has no secret key", kf.AccountID)
	}
	key, err := ParseSecretKey(secret)
	if err != nil {
		return nil, err
	}
	signer := NewSigner(kf.AccountID, key)
	if kf.PublicKey != "" {
		pk, err := ParsePublicKey(kf.PublicKey)
		if err != nil {
			return nil, err
		}
		if pk != signer.PublicKey {
			return nil, fmt.Errorf("key file for %s: public key does not match secret key", kf.AccountID)
		}
	}
	return signer, nil
}
