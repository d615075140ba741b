package near

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	RequestViewAccessKey = "view_access_key"
	RequestViewCode      = "view_code"

	FinalityFinal = "final"
)

type (
	// QueryRequest is the "query" method with a request_type selector.
	QueryRequest struct {
		RequestType string    `json:"request_type"`
		Finality    string    `json:"finality"`
		AccountID   AccountID `json:"account_id"`
		PublicKey   string    `json:"public_key,omitempty"`
	}

	BroadcastTxAsync struct {
		Tx SignedTransaction
	}

	TxStatusRequest struct {
		Hash     CryptoHash
		SenderID AccountID
	}
)

func (QueryRequest) MethodName() string { return "query" }
func (q QueryRequest) Params() any      { return q }

func (BroadcastTxAsync) MethodName() string { return "broadcast_tx_async" }

func (b BroadcastTxAsync) Params() any {
	encoded, err := encodeBase64(b.Tx)
	if err != nil {
		// Every field of a SignedTransaction is borsh encodable.
		panic(fmt.Sprintf("encode transaction: %v", err))
	}
	return []string{encoded}
}

func (TxStatusRequest) MethodName() string { return "tx" }

func (t TxStatusRequest) Params() any {
	return []string{t.Hash.String(), t.SenderID.String()}
}

func ViewAccessKey(account AccountID, key PublicKey) QueryRequest {
	return QueryRequest{
		RequestType: RequestViewAccessKey,
		Finality:    FinalityFinal,
		AccountID:   account,
		PublicKey:   key.String(),
	}
}

func ViewCode(account AccountID) QueryRequest {
	return QueryRequest{
		RequestType: RequestViewCode,
		Finality:    FinalityFinal,
		AccountID:   account,
	}
}

type (
	FunctionCallPermission struct {
		Allowance   *string  `json:"allowance"`
		ReceiverID  string   `json:"receiver_id"`
		MethodNames []string `json:"method_names"`
	}

	// AccessKeyPermission is either "FullAccess" or {"FunctionCall": {...}}.
	AccessKeyPermission struct {
		FullAccess   bool
		FunctionCall *FunctionCallPermission
	}

	AccessKeyView struct {
		Nonce       uint64              `json:"nonce"`
		Permission  AccessKeyPermission `json:"permission"`
		BlockHeight uint64              `json:"block_height"`
		BlockHash   CryptoHash          `json:"block_hash"`
	}

	CodeView struct {
		CodeBase64  string     `json:"code_base64"`
		Hash        CryptoHash `json:"hash"`
		BlockHeight uint64     `json:"block_height"`
		BlockHash   CryptoHash `json:"block_hash"`
		// Older nodes report a missing contract inside the result.
		Error string `json:"error,omitempty"`
	}

	// Code is the decoded contract deployed on an account. An account with
	// no contract has empty Bytes and a zero Hash.
	Code struct {
		Bytes []byte
		Hash  CryptoHash
	}
)

func (p AccessKeyPermission) MarshalJSON() ([]byte, error) {
	if p.FullAccess {
		return json.Marshal("FullAccess")
	}
	return json.Marshal(struct {
		FunctionCall *FunctionCallPermission `json:"FunctionCall"`
	}{p.FunctionCall})
}

func (p *AccessKeyPermission) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "FullAccess" {
			return fmt.Errorf("unknown access key permission %q", s)
		}
		*p = AccessKeyPermission{FullAccess: true}
		return nil
	}
	var obj struct {
		FunctionCall *FunctionCallPermission `json:"FunctionCall"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode access key permission: %w", err)
	}
	if obj.FunctionCall == nil {
		return fmt.Errorf("unknown access key permission %s", string(data))
	}
	*p = AccessKeyPermission{FunctionCall: obj.FunctionCall}
	return nil
}

func QueryAccessKey(ctx context.Context, c Client, account AccountID, key PublicKey) (AccessKeyView, error) {
	var view AccessKeyView
	if err := c.Call(ctx, ViewAccessKey(account, key), &view); err != nil {
		return AccessKeyView{}, fmt.Errorf("query access key of %s: %w", account, err)
	}
	return view, nil
}

// QueryCode returns the contract deployed on account. A node reporting that
// no code exists yields an empty Code rather than an error.
func QueryCode(ctx context.Context, c Client, account AccountID) (Code, error) {
	var view CodeView
	if err := c.Call(ctx, ViewCode(account), &view); err != nil {
		if IsNoContractCode(err) {
			return Code{}, nil
		}
		return Code{}, fmt.Errorf("query code of %s: %w", account, err)
	}
	if view.Error != "" {
		if isNoCodeMessage(view.Error) {
			return Code{}, nil
		}
		return Code{}, fmt.Errorf("query code of %s: %s", account, view.Error)
	}
	code, err := base64.StdEncoding.DecodeString(view.CodeBase64)
	if err != nil {
		return Code{}, fmt.Errorf("decode code of %s: %w", account, err)
	}
	if len(code) == 0 {
		return Code{}, nil
	}
	return Code{Bytes: code, Hash: view.Hash}, nil
}

func IsNoContractCode(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return isNoCodeMessage(rpcErr.Message) || isNoCodeMessage(string(rpcErr.Data))
}

func isNoCodeMessage(msg string) bool {
	return strings.Contains(msg, "NO_CONTRACT_CODE") ||
		strings.Contains(msg, "CodeDoesNotExist") ||
		strings.Contains(msg, "has never been observed")
}

func BroadcastTx(ctx context.Context, c Client, tx SignedTransaction) (CryptoHash, error) {
	var hash CryptoHash
	if err := c.Call(ctx, BroadcastTxAsync{Tx: tx}, &hash); err != nil {
		return CryptoHash{}, fmt.Errorf("broadcast transaction: %w", err)
	}
	return hash, nil
}

type StatusKind int

const (
	StatusNotStarted StatusKind = iota
	StatusStarted
	StatusSuccessValue
	StatusFailure
)

// ExecutionStatus is the final status of a transaction as reported by "tx".
type ExecutionStatus struct {
	Kind         StatusKind
	SuccessValue []byte
	Failure      json.RawMessage
}

func (s ExecutionStatus) Terminal() bool {
	return s.Kind == StatusSuccessValue || s.Kind == StatusFailure
}

func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case StatusNotStarted:
		return json.Marshal("NotStarted")
	case StatusStarted:
		return json.Marshal("Started")
	case StatusSuccessValue:
		return json.Marshal(map[string]string{"SuccessValue": base64.StdEncoding.EncodeToString(s.SuccessValue)})
	case StatusFailure:
		return json.Marshal(map[string]json.RawMessage{"Failure": s.Failure})
	default:
		return nil, fmt.Errorf("unknown execution status %d", s.Kind)
	}
}

func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch name {
		case "NotStarted":
			*s = ExecutionStatus{Kind: StatusNotStarted}
		case "Started":
			*s = ExecutionStatus{Kind: StatusStarted}
		default:
			return fmt.Errorf("unknown execution status %q", name)
		}
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode execution status: %w", err)
	}
	if raw, ok := obj["SuccessValue"]; ok {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return fmt.Errorf("decode success value: %w", err)
		}
		value, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode success value: %w", err)
		}
		*s = ExecutionStatus{Kind: StatusSuccessValue, SuccessValue: value}
		return nil
	}
	if raw, ok := obj["Failure"]; ok {
		*s = ExecutionStatus{Kind: StatusFailure, Failure: bytes.Clone(raw)}
		return nil
	}
	return fmt.Errorf("unknown execution status %s", string(data))
}

type FinalExecutionOutcome struct {
	Status ExecutionStatus `json:"status"`
}

func TxStatus(ctx context.Context, c Client, sender AccountID, hash CryptoHash) (ExecutionStatus, error) {
	var outcome FinalExecutionOutcome
	if err := c.Call(ctx, TxStatusRequest{Hash: hash, SenderID: sender}, &outcome); err != nil {
		return ExecutionStatus{}, fmt.Errorf("transaction status %s: %w", hash, err)
	}
	return outcome.Status, nil
}

var ErrPollLimit = errors.New("transaction not final after poll limit")

// PollPolicy controls how WaitTxExecuted waits for finality. MaxPolls of
// zero polls until the transaction is final or ctx is done.
type PollPolicy struct {
	Interval time.Duration
	MaxPolls int
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: time.Second}
}

// WaitTxExecuted polls the transaction status until it succeeds or fails.
// A failed execution is returned as *TxExecutionError.
func WaitTxExecuted(ctx context.Context, c Client, sender AccountID, hash CryptoHash, policy PollPolicy) ([]byte, error) {
	if policy.Interval <= 0 {
		policy.Interval = DefaultPollPolicy().Interval
	}
	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		status, err := TxStatus(ctx, c, sender, hash)
		if err != nil {
			return nil, err
		}
		switch status.Kind {
		case StatusSuccessValue:
			return status.SuccessValue, nil
		case StatusFailure:
			return nil, &TxExecutionError{Hash: hash, Failure: status.Failure}
		}
		if policy.MaxPolls > 0 && polls >= policy.MaxPolls {
			return nil, fmt.Errorf("transaction %s: %w (%d polls)", hash, ErrPollLimit, polls)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
