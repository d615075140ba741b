package near

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
)

// Method describes one JSON-RPC request. The concrete type doubles as the
// descriptor a mock dispatches on.
type Method interface {
	MethodName() string
	Params() any
}

// Client is the single primitive every chain helper is built on.
type Client interface {
	Call(ctx context.Context, m Method, result any) error
}

// RPCClient talks to a NEAR node over HTTP JSON-RPC.
type RPCClient struct {
	cli *jrpc2.Client
}

func Dial(url string) *RPCClient {
	ch := jhttp.NewChannel(url, nil)
	return &RPCClient{cli: jrpc2.NewClient(ch, nil)}
}

func (c *RPCClient) Call(ctx context.Context, m Method, result any) error {
	err := c.cli.CallResult(ctx, m.MethodName(), m.Params(), result)
	if err == nil {
		return nil
	}
	var rpcErr *jrpc2.Error
	if errors.As(err, &rpcErr) {
		return &RPCError{Code: int(rpcErr.Code), Message: rpcErr.Message, Data: rpcErr.Data}
	}
	return fmt.Errorf("%s: %w", m.MethodName(), err)
}

func (c *RPCClient) Close() error {
	return c.cli.Close()
}
