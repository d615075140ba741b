// Package artifact reads forge build output.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Error is a missing or malformed artifact.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("artifact %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Artifact struct {
	Path     string
	Bytecode []byte
	ABI      abi.ABI
}

type forgeOutput struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode *struct {
		Object *string `json:"object"`
	} `json:"bytecode"`
}

// ForgePath is where forge writes the artifact of contract name, relative to
// the repository root.
func ForgePath(root, name string) string {
	return filepath.Join(root, "aurora-locker", "out", name+".sol", name+".json")
}

func Load(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	a, err := Parse(raw)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	a.Path = path
	return a, nil
}

func Parse(raw []byte) (*Artifact, error) {
	var out forgeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse forge output: %w", err)
	}
	if out.Bytecode == nil || out.Bytecode.Object == nil {
		return nil, errors.New("failed to parse forge output: missing bytecode.object")
	}
	code, err := decodeHex(*out.Bytecode.Object)
	if err != nil {
		return nil, fmt.Errorf("failed to parse compiled bytecode: %w", err)
	}
	if len(out.ABI) == 0 {
		return nil, errors.New("failed to parse forge output: missing abi")
	}
	parsed, err := abi.JSON(bytes.NewReader(out.ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse abi: %w", err)
	}
	return &Artifact{Bytecode: code, ABI: parsed}, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	if s == "0x" {
		return nil, errors.New("empty bytecode")
	}
	return hexutil.Decode(s)
}

// DeployData appends the ABI encoded constructor arguments to the bytecode.
func (a *Artifact) DeployData(args ...any) ([]byte, error) {
	if len(a.ABI.Constructor.Inputs) == 0 && len(args) > 0 {
		return nil, &Error{Path: a.Path, Err: errors.New("expected constructor")}
	}
	encoded, err := a.ABI.Pack("", args...)
	if err != nil {
		return nil, &Error{Path: a.Path, Err: fmt.Errorf("failed to encode constructor arguments: %w", err)}
	}
	data := make([]byte, 0, len(a.Bytecode)+len(encoded))
	data = append(data, a.Bytecode...)
	return append(data, encoded...), nil
}

// ConstructorArgs decodes the constructor arguments appended to deployData.
func (a *Artifact) ConstructorArgs(deployData []byte) ([]any, error) {
	if !bytes.HasPrefix(deployData, a.Bytecode) {
		return nil, &Error{Path: a.Path, Err: errors.New("deploy data does not start with artifact bytecode")}
	}
	return a.ABI.Constructor.Inputs.Unpack(deployData[len(a.Bytecode):])
}
