package factory

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Near-One/native-erc20-connector/connector/build"
	"github.com/Near-One/native-erc20-connector/connector/near"
)

const (
	MethodNew            = "new"
	MethodSetTokenBinary = "set_token_binary"

	WasmPath      = "target/wasm32-unknown-unknown/release/near_token_factory.wasm"
	TokenWasmPath = "target/wasm32-unknown-unknown/release/near_token_contract.wasm"
)

var (
	FactoryTarget = build.Target{Name: "near-token-factory", Toolchain: build.Cargo}
	TokenTarget   = build.Target{Name: "near-token-contract", Toolchain: build.Cargo}
)

type InitArgs struct {
	Locker common.Address
	Aurora near.AccountID
}

// initArgs is the JSON body of "new"; the locker is bare hex.
type initArgs struct {
	Locker string `json:"locker"`
	Aurora string `json:"aurora"`
}

func EncodeInit(args InitArgs) any {
	return initArgs{
		Locker: hex.EncodeToString(args.Locker.Bytes()),
		Aurora: args.Aurora.String(),
	}
}

type setTokenBinaryArgs struct {
	Binary string `json:"binary"`
}

func EncodeSetTokenBinary(binary []byte) any {
	return setTokenBinaryArgs{Binary: base64.StdEncoding.EncodeToString(binary)}
}

func ReadWasm(root string) ([]byte, error) {
	return readFile(filepath.Join(root, filepath.FromSlash(WasmPath)))
}

func ReadTokenWasm(root string) ([]byte, error) {
	return readFile(filepath.Join(root, filepath.FromSlash(TokenWasmPath)))
}

func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm: %w", err)
	}
	return b, nil
}
