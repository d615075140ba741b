// Package transact signs, submits and confirms the NEAR transactions of a
// run, and records each outcome in the event log.
package transact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Near-One/native-erc20-connector/connector/aurora"
	"github.com/Near-One/native-erc20-connector/connector/eventlog"
	"github.com/Near-One/native-erc20-connector/connector/metrics"
	"github.com/Near-One/native-erc20-connector/connector/near"
)

// NonceCounter hands out strictly increasing nonces for one access key.
type NonceCounter struct {
	mu   sync.Mutex
	next uint64
}

// NewNonceCounter starts one past the nonce reported by the access key query.
func NewNonceCounter(accessKeyNonce uint64) *NonceCounter {
	return &NonceCounter{next: accessKeyNonce + 1}
}

func (c *NonceCounter) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	c.next++
	return n
}

// Peek returns the nonce the next call to Next will return.
func (c *NonceCounter) Peek() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// TxFailure is a NEAR transaction that executed and failed.
type TxFailure struct {
	Hash        near.CryptoHash
	Description string
	Err         error
}

func (e *TxFailure) Error() string {
	return fmt.Sprintf("%s transaction %s failed: %v", e.Description, e.Hash, e.Err)
}

func (e *TxFailure) Unwrap() error {
	return e.Err
}

// Pending is a broadcast transaction whose final status is not yet known.
type Pending struct {
	Hash        near.CryptoHash
	SubmittedAt time.Time
	Receiver    near.AccountID
	Description string
}

type Options struct {
	Poll    near.PollPolicy
	Metrics *metrics.Recorder
}

// Engine submits transactions signed by one account against one block hash.
type Engine struct {
	client    near.Client
	signer    *near.Signer
	log       *eventlog.Log
	nonces    *NonceCounter
	blockHash near.CryptoHash
	poll      near.PollPolicy
	metrics   *metrics.Recorder

	mu      sync.Mutex
	pending map[near.CryptoHash]Pending
}

func NewEngine(client near.Client, signer *near.Signer, log *eventlog.Log, nonces *NonceCounter, blockHash near.CryptoHash, opts Options) *Engine {
	if opts.Poll.Interval <= 0 {
		opts.Poll.Interval = near.DefaultPollPolicy().Interval
	}
	return &Engine{
		client:    client,
		signer:    signer,
		log:       log,
		nonces:    nonces,
		blockHash: blockHash,
		poll:      opts.Poll,
		metrics:   opts.Metrics,
		pending:   make(map[near.CryptoHash]Pending),
	}
}

// Submit signs actions for receiver with the next nonce, broadcasts the
// transaction and waits until it is final. It returns the transaction hash
// and the success value of the last receipt.
//
// A NearTransactionSubmitted event is recorded as soon as the node accepts
// the transaction. An execution failure is recorded as NearTransactionFailed
// and returned as *TxFailure.
func (e *Engine) Submit(ctx context.Context, receiver near.AccountID, description string, actions ...near.Action) (near.CryptoHash, []byte, error) {
	tx := near.Transaction{
		SignerID:   e.signer.AccountID.String(),
		PublicKey:  e.signer.PublicKey,
		Nonce:      e.nonces.Next(),
		ReceiverID: receiver.String(),
		BlockHash:  e.blockHash,
		Actions:    actions,
	}
	signed, _, err := e.signer.Sign(tx)
	if err != nil {
		return near.CryptoHash{}, nil, fmt.Errorf("sign %s: %w", description, err)
	}
	hash, err := near.BroadcastTx(ctx, e.client, signed)
	if err != nil {
		return near.CryptoHash{}, nil, fmt.Errorf("%s: %w", description, err)
	}
	e.log.Push(eventlog.NearTransactionSubmitted{Hash: hash})
	e.track(Pending{Hash: hash, SubmittedAt: time.Now(), Receiver: receiver, Description: description})

	value, err := near.WaitTxExecuted(ctx, e.client, e.signer.AccountID, hash, e.poll)
	if err != nil {
		var execErr *near.TxExecutionError
		if errors.As(err, &execErr) {
			e.untrack(hash)
			e.log.Push(eventlog.NearTransactionFailed{Hash: hash, Error: execErr.Failure})
			e.metrics.Transaction(description, "near_failure")
			return hash, nil, &TxFailure{Hash: hash, Description: description, Err: err}
		}
		return hash, nil, fmt.Errorf("%s: %w", description, err)
	}
	e.untrack(hash)
	return hash, value, nil
}

func (e *Engine) track(p Pending) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[p.Hash] = p
}

func (e *Engine) untrack(hash near.CryptoHash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, hash)
}

// Pending returns the transactions that were broadcast but never reached a
// final status, oldest first. They may still execute.
func (e *Engine) Pending() []Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Pending, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// DeployCode deploys code to account and records the hash of the code the
// node reports afterwards. previous is the code found before the deploy; its
// hash is recorded only when it was non-empty.
func (e *Engine) DeployCode(ctx context.Context, account near.AccountID, code []byte, previous near.Code) (near.CryptoHash, error) {
	hash, _, err := e.Submit(ctx, account, "deploy code", near.DeployContractAction(code))
	if err != nil {
		return near.CryptoHash{}, err
	}
	deployed, err := near.QueryCode(ctx, e.client, account)
	if err != nil {
		return hash, err
	}
	var prev *near.CryptoHash
	if len(previous.Bytes) > 0 {
		h := previous.Hash
		prev = &h
	}
	e.log.Push(eventlog.NearTransactionSuccessful{
		Hash: hash,
		Kind: eventlog.DeployCode{AccountID: account, NewCodeHash: deployed.Hash, PreviousCodeHash: prev},
	})
	e.metrics.Transaction("deploy code", "success")
	return hash, nil
}

// FunctionCall calls method on receiver with args encoded as JSON, attaching
// the maximum gas and no deposit.
func (e *Engine) FunctionCall(ctx context.Context, receiver near.AccountID, method string, args any) (near.CryptoHash, []byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return near.CryptoHash{}, nil, fmt.Errorf("encode %s args: %w", method, err)
	}
	hash, value, err := e.Submit(ctx, receiver, method, near.FunctionCallAction(method, raw, near.MaxGas, near.Balance{}))
	if err != nil {
		return hash, nil, err
	}
	e.log.Push(eventlog.NearTransactionSuccessful{
		Hash: hash,
		Kind: eventlog.FunctionCall{AccountID: receiver, Method: method, Args: string(raw)},
	})
	e.metrics.Transaction(method, "success")
	return hash, value, nil
}

// DeployEVM deploys bytecode through the Engine's deploy_code method and
// returns the address of the new contract.
func (e *Engine) DeployEVM(ctx context.Context, engine near.AccountID, code []byte) (common.Address, error) {
	hash, value, err := e.Submit(ctx, engine, aurora.MethodDeployCode,
		near.FunctionCallAction(aurora.MethodDeployCode, code, near.MaxGas, near.Balance{}))
	if err != nil {
		return common.Address{}, err
	}
	result, err := e.assumeSuccessful(hash, aurora.MethodDeployCode, value)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := result.DeployedAddress()
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy_code %s: %w", hash, err)
	}
	nearHash := hash
	e.log.Push(eventlog.AuroraTransactionSuccessful{
		NearHash: &nearHash,
		Kind:     eventlog.DeployContract{Address: addr},
	})
	e.metrics.Transaction(aurora.MethodDeployCode, "success")
	return addr, nil
}

// CallEVM calls contract with input through the Engine's call method.
func (e *Engine) CallEVM(ctx context.Context, engine near.AccountID, contract common.Address, input []byte) (*aurora.SubmitResult, error) {
	args, err := aurora.EncodeCall(contract, input)
	if err != nil {
		return nil, err
	}
	hash, value, err := e.Submit(ctx, engine, aurora.MethodCall,
		near.FunctionCallAction(aurora.MethodCall, args, near.MaxGas, near.Balance{}))
	if err != nil {
		return nil, err
	}
	result, err := e.assumeSuccessful(hash, aurora.MethodCall, value)
	if err != nil {
		return nil, err
	}
	nearHash := hash
	e.log.Push(eventlog.AuroraTransactionSuccessful{
		NearHash: &nearHash,
		Kind:     eventlog.ContractCall{Address: contract, Result: *result},
	})
	e.metrics.Transaction(aurora.MethodCall, "success")
	return result, nil
}

func (e *Engine) assumeSuccessful(hash near.CryptoHash, method string, raw []byte) (*aurora.SubmitResult, error) {
	result, err := AssumeSuccessfulSubmitResult(e.log, hash, raw)
	if err != nil {
		var execErr *aurora.ExecutionError
		if errors.As(err, &execErr) {
			e.metrics.Transaction(method, "evm_failure")
		}
		return nil, fmt.Errorf("%s %s: %w", method, hash, err)
	}
	return result, nil
}

// AssumeSuccessfulSubmitResult decodes the Engine output of a successful
// NEAR transaction. An EVM status other than Succeed is recorded as
// AuroraTransactionFailed and returned as *aurora.ExecutionError.
func AssumeSuccessfulSubmitResult(log *eventlog.Log, nearHash near.CryptoHash, raw []byte) (*aurora.SubmitResult, error) {
	result, err := aurora.DecodeSubmitResult(raw)
	if err != nil {
		return nil, err
	}
	if err := result.Status.Err(); err != nil {
		log.Push(eventlog.AuroraTransactionFailed{
			NearHash: &nearHash,
			Error:    eventlog.ErrorFromStatus(result.Status),
		})
		return nil, err
	}
	return result, nil
}
