package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Near-One/native-erc20-connector/connector/aurora"
	"github.com/Near-One/native-erc20-connector/connector/contracts/locker"
	"github.com/Near-One/native-erc20-connector/connector/near"
	"github.com/Near-One/native-erc20-connector/connector/transact"
)

var (
	ErrNoLockerAddress  = errors.New("locker_address must be set in config")
	ErrLockerHasNoCode  = errors.New("no contract code at locker address")
	ErrZeroTokenAddress = errors.New("token address must not be zero")
)

// CreateToken asks the deployed locker to create the NEAR side of token.
func (d *Deployer) CreateToken(ctx context.Context, token common.Address) (*aurora.SubmitResult, error) {
	if d.cfg.UseAuroraRPC {
		return nil, ErrAuroraRPCUnsupported
	}
	if d.cfg.LockerAddress == nil {
		return nil, ErrNoLockerAddress
	}
	if token == (common.Address{}) {
		return nil, ErrZeroTokenAddress
	}
	lockerAddr := *d.cfg.LockerAddress

	if d.auroraRPC != nil {
		code, err := d.auroraRPC.CodeAt(ctx, lockerAddr)
		if err != nil {
			return nil, fmt.Errorf("read locker code: %w", err)
		}
		if len(code) == 0 {
			return nil, fmt.Errorf("%w %s", ErrLockerHasNoCode, lockerAddr.Hex())
		}
	}

	key, err := near.QueryAccessKey(ctx, d.client, d.cfg.FactoryAccountID, d.signer.PublicKey)
	if err != nil {
		return nil, err
	}
	input, err := locker.EncodeCreateToken(token)
	if err != nil {
		return nil, fmt.Errorf("encode createToken: %w", err)
	}

	engine := transact.NewEngine(d.client, d.factorySigner(), d.log,
		transact.NewNonceCounter(key.Nonce), key.BlockHash,
		transact.Options{Poll: d.poll, Metrics: d.metrics})
	result, err := engine.CallEVM(ctx, d.cfg.AuroraAccountID, lockerAddr, input)
	if err != nil {
		return nil, fmt.Errorf("create token %s: %w", token.Hex(), err)
	}
	d.logger.Info("Created token", "token", token.Hex(), "locker", lockerAddr.Hex(), "gas_used", result.GasUsed)
	return result, nil
}
