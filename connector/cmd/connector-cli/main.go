package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/Near-One/native-erc20-connector/connector"
	"github.com/Near-One/native-erc20-connector/connector/aurora"
	"github.com/Near-One/native-erc20-connector/connector/config"
	"github.com/Near-One/native-erc20-connector/connector/eventlog"
	"github.com/Near-One/native-erc20-connector/connector/metrics"
	"github.com/Near-One/native-erc20-connector/connector/near"
)

const flushTimeout = 30 * time.Second

type options struct {
	Command    string
	ConfigPath string
	Address    string
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	_ = godotenv.Load()
	setupLogger(envOr("LOG_LEVEL", "info"))

	opts, err := parseFlags(os.Args[1], os.Args[2:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		exitErr(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts); err != nil {
		stop()
		exitErr(err)
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  connector-cli init-config [--config <path>]")
	fmt.Println("  connector-cli deploy [--config <path>]")
	fmt.Println("  connector-cli create-token --address <0x..> [--config <path>]")
	fmt.Println()
	fmt.Println("Env: CONNECTOR_CONFIG (default config path), LOG_LEVEL, ARCHIVE_ACCESS_KEY, ARCHIVE_SECRET_KEY")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func parseFlags(command string, args []string) (options, error) {
	opts := options{
		Command:    command,
		ConfigPath: envOr("CONNECTOR_CONFIG", config.DefaultPath),
	}
	switch command {
	case "init-config", "deploy", "create-token":
	default:
		printUsage()
		return options{}, fmt.Errorf("unknown command %q", command)
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "path to the config file")
	if command == "create-token" {
		fs.StringVar(&opts.Address, "address", "", "ERC-20 token address on Aurora")
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if command == "create-token" && opts.Address == "" {
		return options{}, errors.New("--address is required")
	}
	return opts, nil
}

// run executes one command. The event log is always flushed; the config file
// is rewritten only when the command and the flush both succeed.
func run(ctx context.Context, opts options) error {
	log := eventlog.New()
	recorder := metrics.New()

	var cfg *config.Config
	if opts.Command == "init-config" {
		testnet := config.Testnet()
		cfg = &testnet
		if err := cfg.Save(opts.ConfigPath); err != nil {
			return err
		}
		log.Push(eventlog.InitConfig{NewConfig: *cfg})
		slog.Info("Config written", "path", opts.ConfigPath)
	} else {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", opts.ConfigPath, err)
		}
		cfg = loaded
	}

	result := handleCommand(ctx, opts, cfg, log, recorder)
	if result != nil {
		slog.Error("Command failed", "command", opts.Command, "run_id", log.RunID(), "error", result)
	}

	if err := flush(cfg, log, recorder); err != nil {
		return errors.Join(result, fmt.Errorf("failed to write logs: %w", err))
	}
	if cfg.MetricsPath != "" {
		if err := recorder.WriteTextfile(cfg.MetricsPath, time.Now()); err != nil {
			slog.Warn("Failed to write metrics", "path", cfg.MetricsPath, "error", err)
		}
	}
	if result != nil {
		return result
	}
	return cfg.Save(opts.ConfigPath)
}

func handleCommand(ctx context.Context, opts options, cfg *config.Config, log *eventlog.Log, recorder *metrics.Recorder) error {
	if opts.Command == "init-config" {
		return nil
	}

	var token common.Address
	if opts.Command == "create-token" {
		addr, err := parseAddress(opts.Address)
		if err != nil {
			return err
		}
		token = addr
	}

	signer, err := cfg.NearSigner()
	if err != nil {
		return err
	}
	client := near.Dial(cfg.NearRPCURL)
	defer client.Close()

	deployerOpts := []connector.Option{
		connector.WithMetrics(recorder),
		connector.WithLogger(slog.Default()),
	}
	if cfg.AuroraRPCURL != nil && *cfg.AuroraRPCURL != "" {
		rpc, err := aurora.DialRPC(*cfg.AuroraRPCURL)
		if err != nil {
			return err
		}
		defer rpc.Close()
		if id, err := rpc.ChainID(ctx); err != nil {
			slog.Warn("Aurora RPC unreachable", "url", *cfg.AuroraRPCURL, "error", err)
		} else {
			slog.Debug("Aurora RPC connected", "chain_id", id)
		}
		deployerOpts = append(deployerOpts, connector.WithAuroraRPC(rpc))
	}
	// A configured Aurora key is loaded up front so a bad key file fails
	// before any build starts.
	if cfg.Signing.AuroraKeyPath != nil {
		key, err := cfg.AuroraKey()
		if err != nil {
			return err
		}
		slog.Debug("Aurora signer loaded", "address", crypto.PubkeyToAddress(key.PublicKey).Hex())
	}

	d := connector.NewDeployer(cfg, client, signer, log, deployerOpts...)
	slog.Info("Running", "command", opts.Command, "run_id", log.RunID(), "factory", cfg.FactoryAccountID, "signer", signer.PublicKey)

	switch opts.Command {
	case "deploy":
		if err := d.Deploy(ctx); err != nil {
			return err
		}
		slog.Info("Deployment complete", "locker", cfg.LockerAddress.Hex())
	case "create-token":
		if _, err := d.CreateToken(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

// flush writes the run's events to the local log first, then to the
// optional archive and database.
func flush(cfg *config.Config, log *eventlog.Log, recorder *metrics.Recorder) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for _, e := range log.Events() {
		recorder.Event(e.Kind.Type())
	}

	sinks := []eventlog.Sink{eventlog.NewFileSink(cfg.LogPath)}
	var setupErrs []error
	if cfg.Archive != nil {
		sink, err := eventlog.NewObjectSink(eventlog.ArchiveConfig{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: os.Getenv("ARCHIVE_ACCESS_KEY"),
			SecretKey: os.Getenv("ARCHIVE_SECRET_KEY"),
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
			UseSSL:    cfg.Archive.UseSSL,
			Region:    cfg.Archive.Region,
		})
		if err != nil {
			setupErrs = append(setupErrs, err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	if cfg.EventsDatabaseURL != "" {
		sink, err := eventlog.NewPostgresSink(ctx, cfg.EventsDatabaseURL)
		if err != nil {
			setupErrs = append(setupErrs, err)
		} else {
			defer sink.Close()
			sinks = append(sinks, sink)
		}
	}
	return errors.Join(append(setupErrs, log.Flush(ctx, sinks...))...)
}

func parseAddress(v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid address: %s", v)
	}
	return common.HexToAddress(v), nil
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
