// Package aurora decodes the borsh envelopes exchanged with the Aurora Engine
// contract and reads EVM state through its Ethereum RPC.
package aurora

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/near/borsh-go"
)

const (
	StatusSucceed borsh.Enum = iota
	StatusRevert
	StatusOutOfGas
	StatusOutOfFund
	StatusOutOfOffset
	StatusCallTooDeep
)

var statusNames = map[borsh.Enum]string{
	StatusSucceed:     "Succeed",
	StatusRevert:      "Revert",
	StatusOutOfGas:    "OutOfGas",
	StatusOutOfFund:   "OutOfFund",
	StatusOutOfOffset: "OutOfOffset",
	StatusCallTooDeep: "CallTooDeep",
}

// Payload wraps the bytes carried by the Succeed and Revert variants.
// borsh-go only writes enum payloads of struct type.
type Payload struct {
	Data []byte
}

// TransactionStatus is the inner EVM outcome of an Engine call.
type TransactionStatus struct {
	Enum        borsh.Enum `borsh_enum:"true"`
	Succeed     Payload
	Revert      Payload
	OutOfGas    struct{}
	OutOfFund   struct{}
	OutOfOffset struct{}
	CallTooDeep struct{}
}

func Succeeded(output []byte) TransactionStatus {
	return TransactionStatus{Enum: StatusSucceed, Succeed: Payload{Data: output}}
}

func Reverted(data []byte) TransactionStatus {
	return TransactionStatus{Enum: StatusRevert, Revert: Payload{Data: data}}
}

func Halted(status borsh.Enum) TransactionStatus {
	return TransactionStatus{Enum: status}
}

// Output is the return data of a successful execution.
func (s TransactionStatus) Output() []byte {
	return s.Succeed.Data
}

// RevertData is the revert reason of a reverted execution.
func (s TransactionStatus) RevertData() []byte {
	return s.Revert.Data
}

func (s TransactionStatus) Name() string {
	if name, ok := statusNames[s.Enum]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s.Enum)
}

// Err returns nil for Succeed and an *ExecutionError otherwise.
func (s TransactionStatus) Err() error {
	if s.Enum == StatusSucceed {
		return nil
	}
	return &ExecutionError{Status: s.Enum, RevertData: s.Revert.Data}
}

func (s TransactionStatus) MarshalJSON() ([]byte, error) {
	switch s.Enum {
	case StatusSucceed:
		return json.Marshal(map[string]hexutil.Bytes{"Succeed": s.Succeed.Data})
	case StatusRevert:
		return json.Marshal(map[string]hexutil.Bytes{"Revert": s.Revert.Data})
	default:
		return json.Marshal(s.Name())
	}
}

func (s *TransactionStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		for enum, n := range statusNames {
			if n == name && enum != StatusSucceed && enum != StatusRevert {
				*s = Halted(enum)
				return nil
			}
		}
		return fmt.Errorf("unknown transaction status %q", name)
	}
	var obj map[string]hexutil.Bytes
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode transaction status: %w", err)
	}
	if v, ok := obj["Succeed"]; ok {
		*s = Succeeded(v)
		return nil
	}
	if v, ok := obj["Revert"]; ok {
		*s = Reverted(v)
		return nil
	}
	return fmt.Errorf("unknown transaction status %s", string(data))
}

type ResultLog struct {
	Address [20]byte
	Topics  [][32]byte
	Data    []byte
}

type resultLogJSON struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

func (l ResultLog) MarshalJSON() ([]byte, error) {
	out := resultLogJSON{Address: l.Address, Topics: make([]common.Hash, len(l.Topics)), Data: l.Data}
	for i, topic := range l.Topics {
		out.Topics[i] = topic
	}
	return json.Marshal(out)
}

func (l *ResultLog) UnmarshalJSON(data []byte) error {
	var in resultLogJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	l.Address = in.Address
	l.Topics = make([][32]byte, len(in.Topics))
	for i, topic := range in.Topics {
		l.Topics[i] = topic
	}
	l.Data = in.Data
	return nil
}

// SubmitResult is what the Engine returns from "deploy_code", "call" and
// "submit".
type SubmitResult struct {
	Version uint8             `json:"version"`
	Status  TransactionStatus `json:"status"`
	GasUsed uint64            `json:"gas_used"`
	Logs    []ResultLog       `json:"logs"`
}

func DecodeSubmitResult(raw []byte) (*SubmitResult, error) {
	if len(raw) == 0 {
		return nil, errors.New("decode submit result: empty engine output")
	}
	var r SubmitResult
	if err := borsh.Deserialize(&r, raw); err != nil {
		return nil, fmt.Errorf("decode submit result: %w", err)
	}
	if _, ok := statusNames[r.Status.Enum]; !ok {
		return nil, fmt.Errorf("decode submit result: unknown status %d", r.Status.Enum)
	}
	return &r, nil
}

func (r SubmitResult) Encode() ([]byte, error) {
	raw, err := borsh.Serialize(r)
	if err != nil {
		return nil, fmt.Errorf("encode submit result: %w", err)
	}
	return raw, nil
}

// DeployedAddress extracts the new contract address from a successful
// "deploy_code" result.
func (r SubmitResult) DeployedAddress() (common.Address, error) {
	if err := r.Status.Err(); err != nil {
		return common.Address{}, err
	}
	out := r.Status.Output()
	if len(out) != common.AddressLength {
		return common.Address{}, fmt.Errorf("engine returned %d bytes, expected a %d byte address", len(out), common.AddressLength)
	}
	return common.BytesToAddress(out), nil
}

// ExecutionError is an EVM level failure inside an otherwise successful
// NEAR transaction.
type ExecutionError struct {
	Status     borsh.Enum
	RevertData []byte
}

func (e *ExecutionError) Error() string {
	if e.Status == StatusRevert {
		return fmt.Sprintf("evm execution reverted with bytes %s", hexutil.Encode(e.RevertData))
	}
	return fmt.Sprintf("evm execution failed: %s", Halted(e.Status).Name())
}
