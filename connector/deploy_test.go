package connector_test

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Near-One/native-erc20-connector/connector"
	"github.com/Near-One/native-erc20-connector/connector/artifact"
	"github.com/Near-One/native-erc20-connector/connector/aurora"
	"github.com/Near-One/native-erc20-connector/connector/build"
	"github.com/Near-One/native-erc20-connector/connector/config"
	"github.com/Near-One/native-erc20-connector/connector/contracts/factory"
	"github.com/Near-One/native-erc20-connector/connector/contracts/locker"
	"github.com/Near-One/native-erc20-connector/connector/eventlog"
	"github.com/Near-One/native-erc20-connector/connector/near"
	"github.com/Near-One/native-erc20-connector/connector/near/neartest"
	"github.com/Near-One/native-erc20-connector/connector/registry"
)

const (
	factoryAccount near.AccountID = "factory.testnet"
	engineAccount  near.AccountID = "aurora"
	keyNonce       uint64         = 100
)

var (
	blockHash       = near.CryptoHash{0xb1}
	factoryCodeHash = near.CryptoHash{0xfc}

	codecAddr  = common.HexToAddress("0x00000000000000000000000000000000000c0dec")
	utilsAddr  = common.HexToAddress("0x0000000000000000000000000000000000007715")
	sdkAddr    = common.HexToAddress("0x00000000000000000000000000000000000005d4")
	lockerAddr = common.HexToAddress("0x000000000000000000000000000000000010c4e4")
)

const lockerABI = `[{"type":"constructor","inputs":[
	{"name":"factory","type":"string"},
	{"name":"codec","type":"address"},
	{"name":"sdk","type":"address"},
	{"name":"wnear","type":"address"}
]},{"type":"function","name":"createToken","inputs":[{"name":"token","type":"address"}],"outputs":[]}]`

func writeFile(t *testing.T, path string, body []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, body, 0o644))
}

// testRepo lays out the build outputs the deployer reads.
func testRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, filepath.FromSlash(factory.WasmPath)), []byte("factory_code"))
	writeFile(t, filepath.Join(root, filepath.FromSlash(factory.TokenWasmPath)), []byte("token_code"))
	for name, code := range map[registry.Name]string{
		registry.Codec:     "0x60c0",
		registry.Utils:     "0x6071",
		registry.AuroraSdk: "0x605d",
	} {
		writeFile(t, locker.ArtifactPath(root, name), []byte(fmt.Sprintf(`{"abi":[],"bytecode":{"object":%q}}`, code)))
	}
	writeFile(t, locker.ArtifactPath(root, registry.Locker), []byte(`{"abi":`+lockerABI+`,"bytecode":{"object":"0x6010"}}`))
	return root
}

func testSigner() *near.Signer {
	seed := make([]byte, ed25519.SeedSize)
	seed[31] = 7
	return near.NewSigner(factoryAccount, ed25519.NewKeyFromSeed(seed))
}

func testConfig(root string) *config.Config {
	cfg := config.Testnet()
	cfg.FactoryAccountID = factoryAccount
	cfg.AuroraAccountID = engineAccount
	cfg.RepositoryRoot = &root
	return &cfg
}

func engineOutput(t *testing.T, status aurora.TransactionStatus) []byte {
	t.Helper()
	raw, err := aurora.SubmitResult{Version: 7, Status: status, GasUsed: 50000}.Encode()
	require.NoError(t, err)
	return raw
}

// expectedTx is one transaction the fake chain is prepared to accept. method
// is empty for a DeployContract action.
type expectedTx struct {
	receiver near.AccountID
	method   string
	outcome  near.FinalExecutionOutcome
}

func deployed(t *testing.T, addr common.Address) near.FinalExecutionOutcome {
	return neartest.Success(engineOutput(t, aurora.Succeeded(addr.Bytes())))
}

// goldenTxs is the full successful deployment.
func goldenTxs(t *testing.T) []expectedTx {
	return []expectedTx{
		{receiver: factoryAccount, outcome: neartest.Success(nil)},
		{receiver: engineAccount, method: aurora.MethodDeployCode, outcome: deployed(t, codecAddr)},
		{receiver: engineAccount, method: aurora.MethodDeployCode, outcome: deployed(t, utilsAddr)},
		{receiver: engineAccount, method: aurora.MethodDeployCode, outcome: deployed(t, sdkAddr)},
		{receiver: engineAccount, method: aurora.MethodDeployCode, outcome: deployed(t, lockerAddr)},
		{receiver: factoryAccount, method: factory.MethodNew, outcome: neartest.Success(nil)},
		{receiver: factoryAccount, method: factory.MethodSetTokenBinary, outcome: neartest.Success(nil)},
	}
}

type chainState int

const (
	statePreconditions chainState = iota
	stateAwaitBroadcast
	stateAwaitExecution
	stateCheckCodeDeployed
	stateDone
)

// fakeChain is a strict state machine over the requests a deployment makes.
// A request that does not fit the current state fails the call.
type fakeChain struct {
	mu       sync.Mutex
	state    chainState
	key      near.AccessKeyView
	existing *near.CodeView
	expected []expectedTx
	sent     []near.SignedTransaction
	polled   bool
	queried  map[string]bool
}

func newFakeChain(txs []expectedTx) *fakeChain {
	return &fakeChain{
		key:      neartest.FullAccessKey(keyNonce, blockHash),
		expected: txs,
		queried:  map[string]bool{},
	}
}

func (c *fakeChain) client() *neartest.MockClient {
	return neartest.NewMockClient(c.handle)
}

func (c *fakeChain) current() expectedTx {
	return c.expected[len(c.sent)-1]
}

func (c *fakeChain) handle(_ context.Context, m near.Method) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case statePreconditions:
		q, ok := m.(near.QueryRequest)
		if !ok {
			if _, isTx := m.(near.BroadcastTxAsync); isTx && c.queried[near.RequestViewAccessKey] && c.queried[near.RequestViewCode] {
				c.state = stateAwaitBroadcast
				return c.broadcast(m.(near.BroadcastTxAsync))
			}
			return nil, fmt.Errorf("unexpected %s before precondition queries", m.MethodName())
		}
		if q.AccountID != factoryAccount {
			return nil, fmt.Errorf("query for unexpected account %s", q.AccountID)
		}
		c.queried[q.RequestType] = true
		switch q.RequestType {
		case near.RequestViewAccessKey:
			return c.key, nil
		case near.RequestViewCode:
			if c.existing == nil {
				return nil, neartest.NoContractCode(q.AccountID)
			}
			return *c.existing, nil
		}
	case stateAwaitBroadcast:
		if tx, ok := m.(near.BroadcastTxAsync); ok {
			return c.broadcast(tx)
		}
	case stateAwaitExecution:
		req, ok := m.(near.TxStatusRequest)
		if !ok {
			break
		}
		if req.SenderID != factoryAccount || req.Hash != txHash(len(c.sent)-1) {
			return nil, fmt.Errorf("status request for unexpected tx %s from %s", req.Hash, req.SenderID)
		}
		if !c.polled {
			c.polled = true
			return neartest.Pending(), nil
		}
		exp := c.current()
		switch {
		case exp.outcome.Status.Kind == near.StatusFailure:
			c.state = stateDone
		case exp.method == "":
			c.state = stateCheckCodeDeployed
		case len(c.sent) == len(c.expected):
			c.state = stateDone
		default:
			c.state = stateAwaitBroadcast
		}
		return exp.outcome, nil
	case stateCheckCodeDeployed:
		if q, ok := m.(near.QueryRequest); ok && q.RequestType == near.RequestViewCode && q.AccountID == factoryAccount {
			c.state = stateAwaitBroadcast
			return neartest.CodeView([]byte("factory_code"), factoryCodeHash), nil
		}
	}
	return nil, fmt.Errorf("unexpected %s in state %d", m.MethodName(), c.state)
}

func txHash(i int) near.CryptoHash {
	return near.CryptoHash{0xa0 + byte(i)}
}

func (c *fakeChain) broadcast(req near.BroadcastTxAsync) (any, error) {
	i := len(c.sent)
	if i >= len(c.expected) {
		return nil, fmt.Errorf("unexpected transaction %d", i)
	}
	exp := c.expected[i]
	tx := req.Tx.Transaction
	if tx.ReceiverID != exp.receiver.String() {
		return nil, fmt.Errorf("transaction %d sent to %s, want %s", i, tx.ReceiverID, exp.receiver)
	}
	if len(tx.Actions) != 1 {
		return nil, fmt.Errorf("transaction %d has %d actions", i, len(tx.Actions))
	}
	action := tx.Actions[0]
	switch {
	case exp.method == "" && action.Enum != near.ActionDeployContract:
		return nil, fmt.Errorf("transaction %d is not a code deployment", i)
	case exp.method != "" && (action.Enum != near.ActionFunctionCall || action.FunctionCall.MethodName != exp.method):
		return nil, fmt.Errorf("transaction %d does not call %s", i, exp.method)
	}
	if !req.Tx.Verify() {
		return nil, fmt.Errorf("transaction %d has a bad signature", i)
	}
	c.sent = append(c.sent, req.Tx)
	c.polled = false
	c.state = stateAwaitExecution
	return txHash(i), nil
}

func (c *fakeChain) transactions() []near.SignedTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]near.SignedTransaction(nil), c.sent...)
}

// builds succeeds for every target except those listed in fail.
type builds struct {
	mu   sync.Mutex
	args [][]string
	fail map[string]bool
}

func (b *builds) command(ctx context.Context, dir string, args []string) *exec.Cmd {
	b.mu.Lock()
	b.args = append(b.args, args)
	b.mu.Unlock()
	script := "exit 0"
	if b.fail[args[len(args)-1]] {
		script = "echo 'error[E0425]: cannot find value' >&2; exit 101"
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = dir
	return cmd
}

func newDeployer(cfg *config.Config, chain *fakeChain, log *eventlog.Log, b *builds, opts ...connector.Option) (*connector.Deployer, *neartest.MockClient) {
	client := chain.client()
	opts = append([]connector.Option{
		connector.WithBuildCommand(b.command),
		connector.WithCleanCheck(func(string) error { return nil }),
		connector.WithPollPolicy(near.PollPolicy{Interval: time.Millisecond, MaxPolls: 10}),
	}, opts...)
	return connector.NewDeployer(cfg, client, testSigner(), log, opts...), client
}

func makeCommands(kinds []eventlog.Kind) []string {
	var out []string
	for _, k := range kinds {
		if m, ok := k.(eventlog.Make); ok {
			out = append(out, m.Command)
		}
	}
	return out
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func countType(kinds []eventlog.Kind, typ string) int {
	n := 0
	for _, k := range kinds {
		if k.Type() == typ {
			n++
		}
	}
	return n
}

func TestDeployGoldenPath(t *testing.T) {
	root := testRepo(t)
	cfg := testConfig(root)
	chain := newFakeChain(goldenTxs(t))
	log := eventlog.NewWithRunID("golden")
	d, _ := newDeployer(cfg, chain, log, &builds{})

	require.NoError(t, d.Deploy(context.Background()))

	kinds := log.Kinds()
	require.GreaterOrEqual(t, len(kinds), 3)
	initial := makeCommands(kinds[:3])
	assert.ElementsMatch(t, []string{"near-token-factory", "aurora-locker", "near-token-contract"}, initial)
	assert.Less(t, indexOf(initial, "near-token-factory"), indexOf(initial, "near-token-contract"))

	h := func(i int) *near.CryptoHash {
		hash := txHash(i)
		return &hash
	}
	newLocker := lockerAddr
	want := []eventlog.Kind{
		eventlog.NearTransactionSubmitted{Hash: txHash(0)},
		eventlog.NearTransactionSuccessful{Hash: txHash(0), Kind: eventlog.DeployCode{
			AccountID:   factoryAccount,
			NewCodeHash: factoryCodeHash,
		}},
		eventlog.NearTransactionSubmitted{Hash: txHash(1)},
		eventlog.AuroraTransactionSuccessful{NearHash: h(1), Kind: eventlog.DeployContract{Address: codecAddr}},
		eventlog.NearTransactionSubmitted{Hash: txHash(2)},
		eventlog.AuroraTransactionSuccessful{NearHash: h(2), Kind: eventlog.DeployContract{Address: utilsAddr}},
		eventlog.Make{Command: "CODEC=0x00000000000000000000000000000000000c0dec UTILS=0x0000000000000000000000000000000000007715 aurora-locker-sdk"},
		eventlog.NearTransactionSubmitted{Hash: txHash(3)},
		eventlog.AuroraTransactionSuccessful{NearHash: h(3), Kind: eventlog.DeployContract{Address: sdkAddr}},
		eventlog.Make{Command: "CODEC=0x00000000000000000000000000000000000c0dec SDK=0x00000000000000000000000000000000000005d4 aurora-locker-with-libs"},
		eventlog.NearTransactionSubmitted{Hash: txHash(4)},
		eventlog.AuroraTransactionSuccessful{NearHash: h(4), Kind: eventlog.DeployContract{Address: lockerAddr}},
		eventlog.ModifyConfigLockerAddress{OldValue: nil, NewValue: &newLocker},
		eventlog.NearTransactionSubmitted{Hash: txHash(5)},
		eventlog.NearTransactionSuccessful{Hash: txHash(5), Kind: eventlog.FunctionCall{
			AccountID: factoryAccount,
			Method:    factory.MethodNew,
			Args:      `{"locker":"` + hex.EncodeToString(lockerAddr.Bytes()) + `","aurora":"aurora"}`,
		}},
		eventlog.NearTransactionSubmitted{Hash: txHash(6)},
		eventlog.NearTransactionSuccessful{Hash: txHash(6), Kind: eventlog.FunctionCall{
			AccountID: factoryAccount,
			Method:    factory.MethodSetTokenBinary,
			Args:      `{"binary":"` + base64.StdEncoding.EncodeToString([]byte("token_code")) + `"}`,
		}},
	}
	assert.Equal(t, want, kinds[3:])

	require.NotNil(t, cfg.LockerAddress)
	assert.Equal(t, lockerAddr, *cfg.LockerAddress)
	assert.Equal(t, stateDone, chain.state)
}

func TestDeployNoncesAreContiguous(t *testing.T) {
	root := testRepo(t)
	chain := newFakeChain(goldenTxs(t))
	d, _ := newDeployer(testConfig(root), chain, eventlog.NewWithRunID("nonces"), &builds{})
	require.NoError(t, d.Deploy(context.Background()))

	sent := chain.transactions()
	require.Len(t, sent, 7)
	for i, tx := range sent {
		assert.Equal(t, keyNonce+1+uint64(i), tx.Transaction.Nonce, "transaction %d", i)
		assert.Equal(t, factoryAccount.String(), tx.Transaction.SignerID)
		assert.Equal(t, blockHash, tx.Transaction.BlockHash)
	}
	assert.Equal(t, []byte("factory_code"), sent[0].Transaction.Actions[0].DeployContract.Code)
	assert.Equal(t, []byte{0x60, 0xc0}, sent[1].Transaction.Actions[0].FunctionCall.Args)
	assert.Equal(t, []byte{0x60, 0x71}, sent[2].Transaction.Actions[0].FunctionCall.Args)
	assert.Equal(t, []byte{0x60, 0x5d}, sent[3].Transaction.Actions[0].FunctionCall.Args)
}

func TestDeployThreadsAddressesIntoLockerConstructor(t *testing.T) {
	root := testRepo(t)
	chain := newFakeChain(goldenTxs(t))
	d, _ := newDeployer(testConfig(root), chain, eventlog.NewWithRunID("threads"), &builds{})
	require.NoError(t, d.Deploy(context.Background()))

	a, err := artifact.Load(locker.ArtifactPath(root, registry.Locker))
	require.NoError(t, err)
	args, err := locker.DecodeDeploy(a, chain.transactions()[4].Transaction.Actions[0].FunctionCall.Args)
	require.NoError(t, err)
	assert.Equal(t, locker.InitArgs{
		FactoryAccountID: factoryAccount.String(),
		Codec:            codecAddr,
		Sdk:              sdkAddr,
		WNear:            config.TestnetWNear,
	}, args)
}

func TestDeployPreconditionFailures(t *testing.T) {
	existing := neartest.CodeView([]byte("old_code"), near.CryptoHash{0x01})
	tests := map[string]struct {
		key      near.AccessKeyView
		existing *near.CodeView
		want     error
	}{
		"CodeAlreadyDeployed": {
			key:      neartest.FullAccessKey(keyNonce, blockHash),
			existing: &existing,
			want:     connector.ErrCodeAlreadyDeployed,
		},
		"FunctionCallKey": {
			key:  neartest.FunctionCallKey(keyNonce, blockHash, "aurora"),
			want: connector.ErrKeyNotFullAccess,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			chain := newFakeChain(goldenTxs(t))
			chain.key = tt.key
			chain.existing = tt.existing
			log := eventlog.NewWithRunID("pre")
			d, client := newDeployer(testConfig(testRepo(t)), chain, log, &builds{})

			err := d.Deploy(context.Background())
			require.ErrorIs(t, err, tt.want)
			assert.Zero(t, client.CountMethod("broadcast_tx_async"))
			assert.Zero(t, countType(log.Kinds(), "NearTransactionSubmitted"))
			assert.Len(t, log.Kinds(), 3)
		})
	}
}

func TestDeployOverwriteRecordsPreviousCode(t *testing.T) {
	existing := neartest.CodeView([]byte("old_code"), near.CryptoHash{0x01})
	chain := newFakeChain(goldenTxs(t))
	chain.existing = &existing
	cfg := testConfig(testRepo(t))
	cfg.AllowDeployOverwrite = true
	log := eventlog.NewWithRunID("overwrite")
	d, _ := newDeployer(cfg, chain, log, &builds{})

	require.NoError(t, d.Deploy(context.Background()))
	success, ok := log.Kinds()[4].(eventlog.NearTransactionSuccessful)
	require.True(t, ok)
	previous := near.CryptoHash{0x01}
	assert.Equal(t, &previous, success.Kind.(eventlog.DeployCode).PreviousCodeHash)
}

func TestDeployStopsOnRevert(t *testing.T) {
	txs := goldenTxs(t)
	txs[1].outcome = neartest.Success(engineOutput(t, aurora.Reverted([]byte{0xde, 0xad, 0xbe, 0xef})))
	chain := newFakeChain(txs)
	cfg := testConfig(testRepo(t))
	log := eventlog.NewWithRunID("revert")
	d, _ := newDeployer(cfg, chain, log, &builds{})

	err := d.Deploy(context.Background())
	var execErr *aurora.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, err.Error(), "0xdeadbeef")

	kinds := log.Kinds()
	hash := txHash(1)
	assert.Equal(t, eventlog.AuroraTransactionFailed{
		NearHash: &hash,
		Error:    eventlog.Revert{Bytes: []byte{0xde, 0xad, 0xbe, 0xef}},
	}, kinds[len(kinds)-1])
	assert.Len(t, chain.transactions(), 2)
	assert.Nil(t, cfg.LockerAddress)
}

func TestDeployStopsOnNearFailure(t *testing.T) {
	txs := goldenTxs(t)
	txs[0].outcome = neartest.Failure(`{"ActionError":{"index":0,"kind":{"LackBalanceForState":{}}}}`)
	chain := newFakeChain(txs)
	log := eventlog.NewWithRunID("near-failure")
	d, _ := newDeployer(testConfig(testRepo(t)), chain, log, &builds{})

	err := d.Deploy(context.Background())
	var execErr *near.TxExecutionError
	require.ErrorAs(t, err, &execErr)

	kinds := log.Kinds()
	failed, ok := kinds[len(kinds)-1].(eventlog.NearTransactionFailed)
	require.True(t, ok)
	assert.Equal(t, txHash(0), failed.Hash)
	assert.Len(t, chain.transactions(), 1)
}

func TestDeployBuildFailureTouchesNoChain(t *testing.T) {
	b := &builds{fail: map[string]bool{"aurora-locker": true}}
	chain := newFakeChain(goldenTxs(t))
	d, client := newDeployer(testConfig(testRepo(t)), chain, eventlog.NewWithRunID("build"), b)

	err := d.Deploy(context.Background())
	var buildErr *build.Error
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "aurora-locker", buildErr.Target)
	assert.Contains(t, buildErr.Stderr, "cannot find value")
	assert.Empty(t, client.Calls())
}

func TestDeployFactoryBuildFailureStillBuildsToken(t *testing.T) {
	b := &builds{fail: map[string]bool{"near-token-factory": true}}
	chain := newFakeChain(goldenTxs(t))
	log := eventlog.NewWithRunID("factory-fails")
	d, client := newDeployer(testConfig(testRepo(t)), chain, log, b)

	err := d.Deploy(context.Background())
	var buildErr *build.Error
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "near-token-factory", buildErr.Target)

	assert.Equal(t, []string{"near-token-factory", "aurora-locker", "near-token-contract"}, makeCommands(log.Kinds()))
	assert.Len(t, b.args, 3)
	assert.Empty(t, client.Calls())
}

func TestDeployReportsEveryFailedBuild(t *testing.T) {
	b := &builds{fail: map[string]bool{"near-token-contract": true, "aurora-locker": true}}
	chain := newFakeChain(goldenTxs(t))
	d, client := newDeployer(testConfig(testRepo(t)), chain, eventlog.NewWithRunID("two-fail"), b)

	err := d.Deploy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "near-token-contract")
	assert.Contains(t, err.Error(), "aurora-locker")
	assert.Empty(t, client.Calls())
}

func TestDeployWorktreeGate(t *testing.T) {
	dirty := func(string) error { return build.ErrDirtyWorktree }

	chain := newFakeChain(goldenTxs(t))
	d, client := newDeployer(testConfig(testRepo(t)), chain, eventlog.NewWithRunID("dirty"), &builds{}, connector.WithCleanCheck(dirty))
	require.ErrorIs(t, d.Deploy(context.Background()), build.ErrDirtyWorktree)
	assert.Empty(t, client.Calls())

	cfg := testConfig(testRepo(t))
	cfg.AllowChangedFiles = true
	chain = newFakeChain(goldenTxs(t))
	d, _ = newDeployer(cfg, chain, eventlog.NewWithRunID("allowed"), &builds{}, connector.WithCleanCheck(dirty))
	assert.NoError(t, d.Deploy(context.Background()))
}

func TestDeployRejectsAuroraRPC(t *testing.T) {
	cfg := testConfig(testRepo(t))
	cfg.UseAuroraRPC = true
	b := &builds{}
	log := eventlog.NewWithRunID("rpc")
	d, client := newDeployer(cfg, newFakeChain(nil), log, b)

	assert.ErrorIs(t, d.Deploy(context.Background()), connector.ErrAuroraRPCUnsupported)
	assert.Empty(t, client.Calls())
	assert.Empty(t, b.args)
	assert.Empty(t, log.Kinds())
}

func TestDeployHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chain := newFakeChain(goldenTxs(t))
	d, client := newDeployer(testConfig(testRepo(t)), chain, eventlog.NewWithRunID("cancel"), &builds{})

	err := d.Deploy(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, client.Calls())
}
