package aurora

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
)

// RPC reads EVM state through the Engine's Ethereum JSON-RPC endpoint.
type RPC struct {
	client *w3.Client
}

func DialRPC(url string) (*RPC, error) {
	client, err := w3.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial aurora rpc: %w", err)
	}
	return &RPC{client: client}, nil
}

func (r *RPC) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	if err := r.client.CallCtx(ctx, eth.Code(addr, nil).Returns(&code)); err != nil {
		return nil, fmt.Errorf("get code of %s: %w", addr.Hex(), err)
	}
	return code, nil
}

func (r *RPC) ChainID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := r.client.CallCtx(ctx, eth.ChainID().Returns(&id)); err != nil {
		return 0, fmt.Errorf("get chain id: %w", err)
	}
	return id, nil
}

func (r *RPC) Close() error {
	return r.client.Close()
}
