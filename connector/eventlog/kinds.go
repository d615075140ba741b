package eventlog

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Near-One/native-erc20-connector/connector/aurora"
	"github.com/Near-One/native-erc20-connector/connector/config"
	"github.com/Near-One/native-erc20-connector/connector/near"
)

// Kind is one variant of the event union. Every variant serializes as a JSON
// object whose "type" field names it.
type Kind interface {
	Type() string
}

type (
	Make struct {
		Command string `json:"command"`
	}

	InitConfig struct {
		NewConfig config.Config `json:"new_config"`
	}

	ModifyConfigLockerAddress struct {
		OldValue *common.Address `json:"old_value"`
		NewValue *common.Address `json:"new_value"`
	}

	NearTransactionSubmitted struct {
		Hash near.CryptoHash `json:"hash"`
	}

	NearTransactionSuccessful struct {
		Hash near.CryptoHash `json:"hash"`
		Kind NearTxKind      `json:"kind"`
	}

	NearTransactionFailed struct {
		Hash  near.CryptoHash `json:"hash"`
		Error json.RawMessage `json:"error"`
	}

	AuroraTransactionSuccessful struct {
		NearHash   *near.CryptoHash `json:"near_hash"`
		AuroraHash *common.Hash     `json:"aurora_hash"`
		Kind       AuroraTxKind     `json:"kind"`
	}

	AuroraTransactionFailed struct {
		NearHash   *near.CryptoHash `json:"near_hash"`
		AuroraHash *common.Hash     `json:"aurora_hash"`
		Error      AuroraTxError    `json:"error"`
	}
)

func (Make) Type() string                        { return "Make" }
func (InitConfig) Type() string                  { return "InitConfig" }
func (ModifyConfigLockerAddress) Type() string   { return "ModifyConfigLockerAddress" }
func (NearTransactionSubmitted) Type() string    { return "NearTransactionSubmitted" }
func (NearTransactionSuccessful) Type() string   { return "NearTransactionSuccessful" }
func (NearTransactionFailed) Type() string       { return "NearTransactionFailed" }
func (AuroraTransactionSuccessful) Type() string { return "AuroraTransactionSuccessful" }
func (AuroraTransactionFailed) Type() string     { return "AuroraTransactionFailed" }

// NearTxKind says what a successful NEAR transaction accomplished.
type NearTxKind interface {
	Kind
	nearTxKind()
}

type (
	DeployCode struct {
		AccountID        near.AccountID   `json:"account_id"`
		NewCodeHash      near.CryptoHash  `json:"new_code_hash"`
		PreviousCodeHash *near.CryptoHash `json:"previous_code_hash"`
	}

	FunctionCall struct {
		AccountID near.AccountID `json:"account_id"`
		Method    string         `json:"method"`
		Args      string         `json:"args"`
	}
)

func (DeployCode) Type() string   { return "DeployCode" }
func (FunctionCall) Type() string { return "FunctionCall" }
func (DeployCode) nearTxKind()    {}
func (FunctionCall) nearTxKind()  {}

// AuroraTxKind says what a successful EVM call inside the Engine did.
type AuroraTxKind interface {
	Kind
	auroraTxKind()
}

type (
	DeployContract struct {
		Address common.Address `json:"address"`
	}

	ContractCall struct {
		Address common.Address      `json:"address"`
		Result  aurora.SubmitResult `json:"result"`
	}
)

func (DeployContract) Type() string  { return "DeployContract" }
func (ContractCall) Type() string    { return "ContractCall" }
func (DeployContract) auroraTxKind() {}
func (ContractCall) auroraTxKind()   {}

// AuroraTxError is the typed reason an EVM call failed.
type AuroraTxError interface {
	Kind
	auroraTxError()
}

type (
	Revert struct {
		Bytes hexutil.Bytes `json:"bytes"`
	}
	OutOfGas    struct{}
	OutOfFund   struct{}
	OutOfOffset struct{}
	CallTooDeep struct{}
)

func (Revert) Type() string      { return "Revert" }
func (OutOfGas) Type() string    { return "OutOfGas" }
func (OutOfFund) Type() string   { return "OutOfFund" }
func (OutOfOffset) Type() string { return "OutOfOffset" }
func (CallTooDeep) Type() string { return "CallTooDeep" }

func (Revert) auroraTxError()      {}
func (OutOfGas) auroraTxError()    {}
func (OutOfFund) auroraTxError()   {}
func (OutOfOffset) auroraTxError() {}
func (CallTooDeep) auroraTxError() {}

// ErrorFromStatus maps a failed Engine status to its event form. It returns
// nil for Succeed.
func ErrorFromStatus(s aurora.TransactionStatus) AuroraTxError {
	switch s.Enum {
	case aurora.StatusRevert:
		return Revert{Bytes: s.RevertData()}
	case aurora.StatusOutOfGas:
		return OutOfGas{}
	case aurora.StatusOutOfFund:
		return OutOfFund{}
	case aurora.StatusOutOfOffset:
		return OutOfOffset{}
	case aurora.StatusCallTooDeep:
		return CallTooDeep{}
	default:
		return nil
	}
}

// tagged renders plain (an alias of a variant without methods) with the
// "type" discriminant as its first field.
func tagged(tag string, plain any) ([]byte, error) {
	body, err := json.Marshal(plain)
	if err != nil {
		return nil, err
	}
	head, _ := json.Marshal(tag)
	out := append([]byte(`{"type":`), head...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
		return out, nil
	}
	return append(out, '}'), nil
}

func (k Make) MarshalJSON() ([]byte, error) {
	type plain Make
	return tagged(k.Type(), plain(k))
}

func (k InitConfig) MarshalJSON() ([]byte, error) {
	type plain InitConfig
	return tagged(k.Type(), plain(k))
}

func (k ModifyConfigLockerAddress) MarshalJSON() ([]byte, error) {
	type plain ModifyConfigLockerAddress
	return tagged(k.Type(), plain(k))
}

func (k NearTransactionSubmitted) MarshalJSON() ([]byte, error) {
	type plain NearTransactionSubmitted
	return tagged(k.Type(), plain(k))
}

func (k NearTransactionSuccessful) MarshalJSON() ([]byte, error) {
	type plain NearTransactionSuccessful
	return tagged(k.Type(), plain(k))
}

func (k NearTransactionFailed) MarshalJSON() ([]byte, error) {
	type plain NearTransactionFailed
	return tagged(k.Type(), plain(k))
}

func (k AuroraTransactionSuccessful) MarshalJSON() ([]byte, error) {
	type plain AuroraTransactionSuccessful
	return tagged(k.Type(), plain(k))
}

func (k AuroraTransactionFailed) MarshalJSON() ([]byte, error) {
	type plain AuroraTransactionFailed
	return tagged(k.Type(), plain(k))
}

func (k DeployCode) MarshalJSON() ([]byte, error) {
	type plain DeployCode
	return tagged(k.Type(), plain(k))
}

func (k FunctionCall) MarshalJSON() ([]byte, error) {
	type plain FunctionCall
	return tagged(k.Type(), plain(k))
}

func (k DeployContract) MarshalJSON() ([]byte, error) {
	type plain DeployContract
	return tagged(k.Type(), plain(k))
}

func (k ContractCall) MarshalJSON() ([]byte, error) {
	type plain ContractCall
	return tagged(k.Type(), plain(k))
}

func (k Revert) MarshalJSON() ([]byte, error) {
	type plain Revert
	return tagged(k.Type(), plain(k))
}

func (k OutOfGas) MarshalJSON() ([]byte, error)    { return tagged(k.Type(), struct{}{}) }
func (k OutOfFund) MarshalJSON() ([]byte, error)   { return tagged(k.Type(), struct{}{}) }
func (k OutOfOffset) MarshalJSON() ([]byte, error) { return tagged(k.Type(), struct{}{}) }
func (k CallTooDeep) MarshalJSON() ([]byte, error) { return tagged(k.Type(), struct{}{}) }

func (k *NearTransactionSuccessful) UnmarshalJSON(data []byte) error {
	var aux struct {
		Hash near.CryptoHash `json:"hash"`
		Kind json.RawMessage `json:"kind"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	sub, err := decodeVariant(aux.Kind)
	if err != nil {
		return err
	}
	nk, ok := sub.(NearTxKind)
	if !ok {
		return fmt.Errorf("%s is not a near transaction kind", sub.Type())
	}
	*k = NearTransactionSuccessful{Hash: aux.Hash, Kind: nk}
	return nil
}

func (k *AuroraTransactionSuccessful) UnmarshalJSON(data []byte) error {
	var aux struct {
		NearHash   *near.CryptoHash `json:"near_hash"`
		AuroraHash *common.Hash     `json:"aurora_hash"`
		Kind       json.RawMessage  `json:"kind"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	sub, err := decodeVariant(aux.Kind)
	if err != nil {
		return err
	}
	ak, ok := sub.(AuroraTxKind)
	if !ok {
		return fmt.Errorf("%s is not an aurora transaction kind", sub.Type())
	}
	*k = AuroraTransactionSuccessful{NearHash: aux.NearHash, AuroraHash: aux.AuroraHash, Kind: ak}
	return nil
}

func (k *AuroraTransactionFailed) UnmarshalJSON(data []byte) error {
	var aux struct {
		NearHash   *near.CryptoHash `json:"near_hash"`
		AuroraHash *common.Hash     `json:"aurora_hash"`
		Error      json.RawMessage  `json:"error"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	sub, err := decodeVariant(aux.Error)
	if err != nil {
		return err
	}
	ae, ok := sub.(AuroraTxError)
	if !ok {
		return fmt.Errorf("%s is not an aurora transaction error", sub.Type())
	}
	*k = AuroraTransactionFailed{NearHash: aux.NearHash, AuroraHash: aux.AuroraHash, Error: ae}
	return nil
}

// DecodeKind parses a tagged event kind written by MarshalJSON.
func DecodeKind(data []byte) (Kind, error) {
	return decodeVariant(data)
}

func decodeVariant(data []byte) (Kind, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event kind: %w", err)
	}
	switch head.Type {
	case "Make":
		return decodeInto[Make](data)
	case "InitConfig":
		return decodeInto[InitConfig](data)
	case "ModifyConfigLockerAddress":
		return decodeInto[ModifyConfigLockerAddress](data)
	case "NearTransactionSubmitted":
		return decodeInto[NearTransactionSubmitted](data)
	case "NearTransactionSuccessful":
		return decodeInto[NearTransactionSuccessful](data)
	case "NearTransactionFailed":
		return decodeInto[NearTransactionFailed](data)
	case "AuroraTransactionSuccessful":
		return decodeInto[AuroraTransactionSuccessful](data)
	case "AuroraTransactionFailed":
		return decodeInto[AuroraTransactionFailed](data)
	case "DeployCode":
		return decodeInto[DeployCode](data)
	case "FunctionCall":
		return decodeInto[FunctionCall](data)
	case "DeployContract":
		return decodeInto[DeployContract](data)
	case "ContractCall":
		return decodeInto[ContractCall](data)
	case "Revert":
		return decodeInto[Revert](data)
	case "OutOfGas":
		return OutOfGas{}, nil
	case "OutOfFund":
		return OutOfFund{}, nil
	case "OutOfOffset":
		return OutOfOffset{}, nil
	case "CallTooDeep":
		return CallTooDeep{}, nil
	case "":
		return nil, fmt.Errorf("decode event kind: missing type in %s", string(data))
	default:
		return nil, fmt.Errorf("decode event kind: unknown type %q", head.Type)
	}
}

func decodeInto[T Kind](data []byte) (Kind, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.Type(), err)
	}
	return v, nil
}
