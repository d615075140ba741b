// Package connector deploys the NEAR token factory and the Aurora locker
// contracts, and creates bridged tokens through the deployed locker.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/Near-One/native-erc20-connector/connector/artifact"
	"github.com/Near-One/native-erc20-connector/connector/build"
	"github.com/Near-One/native-erc20-connector/connector/config"
	"github.com/Near-One/native-erc20-connector/connector/contracts/factory"
	"github.com/Near-One/native-erc20-connector/connector/contracts/locker"
	"github.com/Near-One/native-erc20-connector/connector/eventlog"
	"github.com/Near-One/native-erc20-connector/connector/metrics"
	"github.com/Near-One/native-erc20-connector/connector/near"
	"github.com/Near-One/native-erc20-connector/connector/registry"
	"github.com/Near-One/native-erc20-connector/connector/transact"
)

var (
	ErrAuroraRPCUnsupported = errors.New("aurora RPC not yet supported")
	ErrKeyNotFullAccess     = errors.New("access key must have full access")
	ErrCodeAlreadyDeployed  = errors.New("contract already deployed; set allow_deploy_overwrite to replace it")
)

// CodeReader reads EVM contract code, see aurora.RPC.
type CodeReader interface {
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

type Deployer struct {
	cfg    *config.Config
	client near.Client
	signer *near.Signer
	log    *eventlog.Log

	logger     *slog.Logger
	command    build.CommandFunc
	locks      *build.ToolchainLocks
	metrics    *metrics.Recorder
	checkClean func(root string) error
	auroraRPC  CodeReader
	poll       near.PollPolicy
}

type Option func(*Deployer)

// WithBuildCommand replaces `make` for every build.
func WithBuildCommand(command build.CommandFunc) Option {
	return func(d *Deployer) { d.command = command }
}

func WithToolchainLocks(locks *build.ToolchainLocks) Option {
	return func(d *Deployer) { d.locks = locks }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(d *Deployer) { d.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Deployer) { d.logger = logger }
}

// WithCleanCheck replaces the git worktree check run before any chain access.
func WithCleanCheck(check func(root string) error) Option {
	return func(d *Deployer) { d.checkClean = check }
}

func WithAuroraRPC(r CodeReader) Option {
	return func(d *Deployer) { d.auroraRPC = r }
}

func WithPollPolicy(p near.PollPolicy) Option {
	return func(d *Deployer) { d.poll = p }
}

// NewDeployer returns a Deployer that signs with signer on behalf of the
// configured factory account. Deploy updates cfg in place.
func NewDeployer(cfg *config.Config, client near.Client, signer *near.Signer, log *eventlog.Log, opts ...Option) *Deployer {
	d := &Deployer{
		cfg:        cfg,
		client:     client,
		signer:     signer,
		log:        log,
		logger:     slog.Default(),
		command:    build.MakeCommand,
		checkClean: build.CheckClean,
		poll:       cfg.Confirmation.Policy(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.locks == nil {
		d.locks = build.NewToolchainLocks()
	}
	return d
}

// factorySigner signs as the factory account with the configured key.
func (d *Deployer) factorySigner() *near.Signer {
	s := *d.signer
	s.AccountID = d.cfg.FactoryAccountID
	return &s
}

func (d *Deployer) repositoryRoot() (string, error) {
	root, err := filepath.Abs(d.cfg.RepositoryPath())
	if err != nil {
		return "", fmt.Errorf("resolve repository root: %w", err)
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve repository root: %w", err)
	}
	return root, nil
}

// deployment is the state threaded through the steps of one Deploy.
type deployment struct {
	root     string
	runner   *build.Runner
	key      near.AccessKeyView
	code     near.Code
	engine   *transact.Engine
	registry *registry.Registry
}

// Deploy builds every contract, checks the factory account, then deploys the
// factory and the locker stack in order. Each transaction is confirmed before
// the next is signed. On success cfg.LockerAddress holds the new locker.
func (d *Deployer) Deploy(ctx context.Context) error {
	if d.cfg.UseAuroraRPC {
		return ErrAuroraRPCUnsupported
	}
	root, err := d.repositoryRoot()
	if err != nil {
		return err
	}
	dep := &deployment{
		root:     root,
		runner:   build.NewRunner(root, d.log, d.locks, d.command),
		registry: registry.New(),
	}

	plan, err := NewPlan(
		Step{ID: "build-contracts", Run: d.stepBuildContracts(dep)},
		Step{ID: "check-clean", DependsOn: []StepID{"build-contracts"}, Run: d.stepCheckClean(dep)},
		Step{ID: "query-chain", DependsOn: []StepID{"check-clean"}, Run: d.stepQueryChain(dep)},
		Step{ID: "gate", DependsOn: []StepID{"query-chain"}, Run: d.stepGate(dep)},
		Step{ID: "deploy-factory", DependsOn: []StepID{"gate"}, Run: d.stepDeployFactory(dep)},
		Step{ID: "deploy-codec", DependsOn: []StepID{"deploy-factory"}, Run: d.deployLibrary(dep, registry.Codec)},
		Step{ID: "deploy-utils", DependsOn: []StepID{"deploy-codec"}, Run: d.deployLibrary(dep, registry.Utils)},
		Step{ID: "build-sdk", DependsOn: []StepID{"deploy-utils"}, Run: d.stepBuildSdk(dep)},
		Step{ID: "deploy-sdk", DependsOn: []StepID{"build-sdk"}, Run: d.deployLibrary(dep, registry.AuroraSdk)},
		Step{ID: "build-locker-with-libs", DependsOn: []StepID{"deploy-sdk"}, Run: d.stepBuildLocker(dep)},
		Step{ID: "deploy-locker", DependsOn: []StepID{"build-locker-with-libs"}, Run: d.stepDeployLocker(dep)},
		Step{ID: "record-locker", DependsOn: []StepID{"deploy-locker"}, Run: d.stepRecordLocker(dep)},
		Step{ID: "init-factory", DependsOn: []StepID{"record-locker"}, Run: d.stepInitFactory(dep)},
		Step{ID: "set-token-binary", DependsOn: []StepID{"init-factory"}, Run: d.stepSetTokenBinary(dep)},
	)
	if err != nil {
		return err
	}
	plan.OnStepDone = d.stepDone
	if err := plan.Execute(ctx); err != nil {
		if dep.engine != nil {
			for _, p := range dep.engine.Pending() {
				d.logger.Warn("Transaction not confirmed", "hash", p.Hash, "receiver", p.Receiver,
					"description", p.Description, "submitted_at", p.SubmittedAt)
			}
		}
		return err
	}
	return nil
}

func (d *Deployer) stepDone(id StepID, elapsed time.Duration, err error) {
	d.metrics.Step(string(id), elapsed, err)
	if err != nil {
		d.logger.Error("Step failed", "step", id, "elapsed", elapsed, "error", err)
		return
	}
	d.logger.Debug("Step finished", "step", id, "elapsed", elapsed)
}

type startedBuild struct {
	target build.Target
	build  *build.Build
	err    error
}

func (d *Deployer) startBuild(ctx context.Context, dep *deployment, target build.Target) startedBuild {
	d.logger.Info("Building", "command", "make "+target.Command())
	b, err := dep.runner.Start(ctx, target)
	return startedBuild{target: target, build: b, err: err}
}

func (d *Deployer) finishBuild(s startedBuild) error {
	err := s.err
	if err == nil {
		err = s.build.Wait()
	}
	d.metrics.Build(s.target.Name, err)
	return err
}

func (d *Deployer) build(dep *deployment, target build.Target) func(context.Context) error {
	return func(ctx context.Context) error {
		return d.finishBuild(d.startBuild(ctx, dep, target))
	}
}

// stepBuildContracts builds the factory and the locker in parallel and the
// token once the factory build has finished, whatever its result. The three
// results are reported together.
func (d *Deployer) stepBuildContracts(dep *deployment) func(context.Context) error {
	return func(ctx context.Context) error {
		factoryBuild := d.startBuild(ctx, dep, factory.FactoryTarget)
		lockerBuild := d.startBuild(ctx, dep, locker.BaseTarget)
		factoryErr := d.finishBuild(factoryBuild)
		tokenErr := d.finishBuild(d.startBuild(ctx, dep, factory.TokenTarget))
		lockerErr := d.finishBuild(lockerBuild)
		return errors.Join(factoryErr, tokenErr, lockerErr)
	}
}

func (d *Deployer) stepCheckClean(dep *deployment) func(context.Context) error {
	return func(context.Context) error {
		if d.cfg.AllowChangedFiles {
			d.logger.Warn("Skipping worktree check", "root", dep.root)
			return nil
		}
		return d.checkClean(dep.root)
	}
}

func (d *Deployer) stepQueryChain(dep *deployment) func(context.Context) error {
	return func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			key, err := near.QueryAccessKey(gctx, d.client, d.cfg.FactoryAccountID, d.signer.PublicKey)
			dep.key = key
			return err
		})
		g.Go(func() error {
			code, err := near.QueryCode(gctx, d.client, d.cfg.FactoryAccountID)
			dep.code = code
			return err
		})
		return g.Wait()
	}
}

func (d *Deployer) stepGate(dep *deployment) func(context.Context) error {
	return func(context.Context) error {
		if !dep.key.Permission.FullAccess {
			return fmt.Errorf("%w on %s", ErrKeyNotFullAccess, d.cfg.FactoryAccountID)
		}
		if len(dep.code.Bytes) > 0 {
			if !d.cfg.AllowDeployOverwrite {
				return fmt.Errorf("%s: %w", d.cfg.FactoryAccountID, ErrCodeAlreadyDeployed)
			}
			d.logger.Warn("Overwriting existing contract", "account", d.cfg.FactoryAccountID, "code_hash", dep.code.Hash)
		}
		dep.engine = transact.NewEngine(d.client, d.factorySigner(), d.log,
			transact.NewNonceCounter(dep.key.Nonce), dep.key.BlockHash,
			transact.Options{Poll: d.poll, Metrics: d.metrics})
		return nil
	}
}

func (d *Deployer) stepDeployFactory(dep *deployment) func(context.Context) error {
	return func(ctx context.Context) error {
		wasm, err := factory.ReadWasm(dep.root)
		if err != nil {
			return err
		}
		hash, err := dep.engine.DeployCode(ctx, d.cfg.FactoryAccountID, wasm, dep.code)
		if err != nil {
			return fmt.Errorf("deploy factory: %w", err)
		}
		d.logger.Info("Deployed factory", "account", d.cfg.FactoryAccountID, "tx", hash)
		return nil
	}
}

// deployEVM deploys data to the Engine and records the address as name.
func (d *Deployer) deployEVM(ctx context.Context, dep *deployment, name registry.Name, data []byte) error {
	addr, err := dep.engine.DeployEVM(ctx, d.cfg.AuroraAccountID, data)
	if err != nil {
		return fmt.Errorf("deploy %s: %w", name, err)
	}
	if err := dep.registry.Record(name, addr); err != nil {
		return err
	}
	d.logger.Info("Deployed contract", "name", name, "address", addr.Hex())
	return nil
}

func (d *Deployer) deployLibrary(dep *deployment, name registry.Name) func(context.Context) error {
	return func(ctx context.Context) error {
		a, err := artifact.Load(locker.ArtifactPath(dep.root, name))
		if err != nil {
			return err
		}
		return d.deployEVM(ctx, dep, name, a.Bytecode)
	}
}

func (d *Deployer) stepBuildSdk(dep *deployment) func(context.Context) error {
	return func(ctx context.Context) error {
		addrs, err := dep.registry.ResolveAll(registry.Codec, registry.Utils)
		if err != nil {
			return err
		}
		return d.build(dep, locker.SdkTarget(addrs[0], addrs[1]))(ctx)
	}
}

func (d *Deployer) stepBuildLocker(dep *deployment) func(context.Context) error {
	return func(ctx context.Context) error {
		addrs, err := dep.registry.ResolveAll(registry.Codec, registry.AuroraSdk)
		if err != nil {
			return err
		}
		return d.build(dep, locker.LockerTarget(addrs[0], addrs[1]))(ctx)
	}
}

func (d *Deployer) stepDeployLocker(dep *deployment) func(context.Context) error {
	return func(ctx context.Context) error {
		addrs, err := dep.registry.ResolveAll(registry.Codec, registry.AuroraSdk)
		if err != nil {
			return err
		}
		a, err := artifact.Load(locker.ArtifactPath(dep.root, registry.Locker))
		if err != nil {
			return err
		}
		data, err := locker.EncodeDeploy(a, locker.InitArgs{
			FactoryAccountID: d.cfg.FactoryAccountID.String(),
			Codec:            addrs[0],
			Sdk:              addrs[1],
			WNear:            d.cfg.WNearAddress,
		})
		if err != nil {
			return err
		}
		return d.deployEVM(ctx, dep, registry.Locker, data)
	}
}

func (d *Deployer) stepRecordLocker(dep *deployment) func(context.Context) error {
	return func(context.Context) error {
		addr, err := dep.registry.Resolve(registry.Locker)
		if err != nil {
			return err
		}
		d.log.Push(eventlog.ModifyConfigLockerAddress{OldValue: d.cfg.LockerAddress, NewValue: &addr})
		d.cfg.LockerAddress = &addr
		return nil
	}
}

func (d *Deployer) stepInitFactory(dep *deployment) func(context.Context) error {
	return func(ctx context.Context) error {
		addr, err := dep.registry.Resolve(registry.Locker)
		if err != nil {
			return err
		}
		args := factory.EncodeInit(factory.InitArgs{Locker: addr, Aurora: d.cfg.AuroraAccountID})
		if _, _, err := dep.engine.FunctionCall(ctx, d.cfg.FactoryAccountID, factory.MethodNew, args); err != nil {
			return fmt.Errorf("initialize factory: %w", err)
		}
		return nil
	}
}

func (d *Deployer) stepSetTokenBinary(dep *deployment) func(context.Context) error {
	return func(ctx context.Context) error {
		wasm, err := factory.ReadTokenWasm(dep.root)
		if err != nil {
			return err
		}
		args := factory.EncodeSetTokenBinary(wasm)
		if _, _, err := dep.engine.FunctionCall(ctx, d.cfg.FactoryAccountID, factory.MethodSetTokenBinary, args); err != nil {
			return fmt.Errorf("set token binary: %w", err)
		}
		return nil
	}
}
