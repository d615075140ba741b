package aurora

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/near/borsh-go"
)

const (
	MethodDeployCode = "deploy_code"
	MethodCall       = "call"
)

const (
	CallArgsV2 borsh.Enum = iota
	CallArgsV1
)

type (
	// FunctionCallArgsV2 carries a 256 bit big endian attached value.
	FunctionCallArgsV2 struct {
		Contract [20]byte
		Value    [32]byte
		Input    []byte
	}

	FunctionCallArgsV1 struct {
		Contract [20]byte
		Input    []byte
	}

	CallArgs struct {
		Enum borsh.Enum `borsh_enum:"true"`
		V2   FunctionCallArgsV2
		V1   FunctionCallArgsV1
	}
)

// EncodeCall builds the borsh argument of the Engine "call" method for a
// zero value call of contract.
func EncodeCall(contract common.Address, input []byte) ([]byte, error) {
	args := CallArgs{Enum: CallArgsV2, V2: FunctionCallArgsV2{Contract: contract, Input: input}}
	raw, err := borsh.Serialize(args)
	if err != nil {
		return nil, fmt.Errorf("encode call args: %w", err)
	}
	return raw, nil
}

func DecodeCall(raw []byte) (CallArgs, error) {
	var args CallArgs
	if err := borsh.Deserialize(&args, raw); err != nil {
		return CallArgs{}, fmt.Errorf("decode call args: %w", err)
	}
	return args, nil
}
