// Package neartest provides a scriptable near.Client for tests.
package neartest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Near-One/native-erc20-connector/connector/near"
)

// Handler answers one request. The returned value is round-tripped through
// JSON into the caller's result, exactly as a network response would be.
type Handler func(ctx context.Context, m near.Method) (any, error)

type MockClient struct {
	handler Handler

	mu    sync.Mutex
	calls []near.Method
}

func NewMockClient(h Handler) *MockClient {
	return &MockClient{handler: h}
}

func (c *MockClient) Call(ctx context.Context, m near.Method, result any) error {
	c.mu.Lock()
	c.calls = append(c.calls, m)
	c.mu.Unlock()

	resp, err := c.handler(ctx, m)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("mock %s: encode response: %w", m.MethodName(), err)
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("mock %s: decode response: %w", m.MethodName(), err)
	}
	return nil
}

// Calls returns every request received so far, in arrival order.
func (c *MockClient) Calls() []near.Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]near.Method(nil), c.calls...)
}

// CountMethod returns how many requests used the given JSON-RPC method.
func (c *MockClient) CountMethod(name string) int {
	n := 0
	for _, m := range c.Calls() {
		if m.MethodName() == name {
			n++
		}
	}
	return n
}

func FullAccessKey(nonce uint64, blockHash near.CryptoHash) near.AccessKeyView {
	return near.AccessKeyView{
		Nonce:       nonce,
		Permission:  near.AccessKeyPermission{FullAccess: true},
		BlockHeight: 100,
		BlockHash:   blockHash,
	}
}

func FunctionCallKey(nonce uint64, blockHash near.CryptoHash, receiver string) near.AccessKeyView {
	return near.AccessKeyView{
		Nonce: nonce,
		Permission: near.AccessKeyPermission{FunctionCall: &near.FunctionCallPermission{
			ReceiverID:  receiver,
			MethodNames: []string{},
		}},
		BlockHeight: 100,
		BlockHash:   blockHash,
	}
}

func CodeView(code []byte, hash near.CryptoHash) near.CodeView {
	return near.CodeView{
		CodeBase64:  base64.StdEncoding.EncodeToString(code),
		Hash:        hash,
		BlockHeight: 100,
	}
}

// NoContractCode is the error a node returns for an account without code.
func NoContractCode(account near.AccountID) error {
	data, _ := json.Marshal(fmt.Sprintf("Contract code for contract ID #%s has never been observed on the node", account))
	return &near.RPCError{Code: -32000, Message: "Server error", Data: data}
}

func Pending() near.FinalExecutionOutcome {
	return near.FinalExecutionOutcome{Status: near.ExecutionStatus{Kind: near.StatusNotStarted}}
}

func Started() near.FinalExecutionOutcome {
	return near.FinalExecutionOutcome{Status: near.ExecutionStatus{Kind: near.StatusStarted}}
}

func Success(value []byte) near.FinalExecutionOutcome {
	return near.FinalExecutionOutcome{Status: near.ExecutionStatus{Kind: near.StatusSuccessValue, SuccessValue: value}}
}

func Failure(failure string) near.FinalExecutionOutcome {
	return near.FinalExecutionOutcome{Status: near.ExecutionStatus{Kind: near.StatusFailure, Failure: json.RawMessage(failure)}}
}
