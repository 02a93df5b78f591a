package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rexliu/hostbridge/pkg/bridge"
	"github.com/rexliu/hostbridge/pkg/config"
	"github.com/rexliu/hostbridge/pkg/events"
	"github.com/rexliu/hostbridge/pkg/logging"
	"github.com/rexliu/hostbridge/pkg/value"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "init":
		err = initCommand(os.Args[2:])
	case "version":
		fmt.Printf("bridgectl %s\n", version)
	case "call":
		err = callCommand(os.Args[2:])
	case "watch":
		err = watchCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "storage":
		err = storageCommand(os.Args[2:])
	case "diag":
		err = diagCommand(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: bridgectl <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init      Initialize a local profile (writes config.toml)")
	fmt.Println("  call      Invoke a host method: call [flags] <method> [json-args]")
	fmt.Println("  watch     Print host events: watch [flags] <event>...")
	fmt.Println("  stats     Show loaded and connected extensions")
	fmt.Println("  storage get|set|keys   Use the host key/value storage")
	fmt.Println("  diag      Print profile configuration paths")
	fmt.Println("  version   Print CLI version")
}

type commonFlags struct {
	profile *string
	socket  *string
	verbose *bool
}

func addCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		profile: fs.String("profile", "./_dev_profile", "Profile directory"),
		socket:  fs.String("socket", "", "Override socket path"),
		verbose: fs.Bool("v", false, "Log bridge activity to stderr"),
	}
}

func (c commonFlags) open(ctx context.Context) (*bridge.Bridge, error) {
	cfg, err := config.LoadProfile(*c.profile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config not found in %s (run 'bridgectl init --profile %s')", *c.profile, *c.profile)
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	if *c.socket != "" {
		cfg.Transport.Network = "unix"
		cfg.Transport.Address = *c.socket
	}
	logger := logging.Nop()
	if *c.verbose {
		logger = logging.New("bridgectl")
		if err := logger.Configure(config.LoggingConfig{Level: "debug"}); err != nil {
			return nil, err
		}
	}
	return bridge.Open(ctx, cfg, *c.profile, logger)
}

func initCommand(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	profilePath := fs.String("profile", "./_dev_profile", "Profile directory")
	name := fs.String("name", "dev", "Profile name")
	format := fs.String("format", "toml", "Config format (toml or yaml)")
	force := fs.Bool("force", false, "Overwrite existing config if present")
	_ = fs.Parse(args)
	if err := os.MkdirAll(*profilePath, 0o700); err != nil {
		return err
	}
	var configPath string
	switch *format {
	case "toml":
		configPath = filepath.Join(*profilePath, "config.toml")
	case "yaml":
		configPath = filepath.Join(*profilePath, "config.yaml")
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
	if _, err := os.Stat(configPath); err == nil && !*force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}
	cfg := config.DefaultProfile(*name)
	if err := config.Save(configPath, cfg); err != nil {
		return err
	}
	fmt.Printf("initialized profile %s at %s\n", cfg.ProfileName, *profilePath)
	return nil
}

func callCommand(args []string) error {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	common := addCommon(fs)
	timeout := fs.Duration("timeout", 0, "Call timeout (defaults to the profile's)")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: bridgectl call [flags] <method> [json-args]")
	}
	method := fs.Arg(0)
	params, err := readArgs(fs.Arg(1))
	if err != nil {
		return err
	}

	ctx := context.Background()
	b, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	res, err := b.CallTimeout(ctx, method, params, *timeout)
	if err != nil {
		return err
	}
	return printJSON(res)
}

// readArgs parses inline JSON, "-" for stdin, or nothing for null.
func readArgs(raw string) (value.Value, error) {
	if raw == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return value.Null(), err
		}
		raw = string(data)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return value.Null(), nil
	}
	v, err := value.Parse([]byte(raw))
	if err != nil {
		return value.Null(), fmt.Errorf("parse args: %w", err)
	}
	return v, nil
}

func watchCommand(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	common := addCommon(fs)
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: bridgectl watch [flags] <event>...")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	b, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	printEvent := func(ev events.Event) error {
		fmt.Printf("%s %s\n", ev.Name, ev.Data)
		return nil
	}
	for _, name := range fs.Args() {
		b.Events.On(name, printEvent)
	}
	b.Events.On(bridge.EventBridgeClosed, func(events.Event) error {
		cancel()
		return nil
	})
	fmt.Printf("Watching %s (Ctrl+C to exit)\n", strings.Join(fs.Args(), ", "))
	<-ctx.Done()
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	common := addCommon(fs)
	_ = fs.Parse(args)

	ctx := context.Background()
	b, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	stats, err := b.Extensions.GetStats(ctx)
	if err != nil {
		return err
	}
	connected := make(map[string]bool, len(stats.Connected))
	for _, id := range stats.Connected {
		connected[id] = true
	}
	if len(stats.Loaded) == 0 {
		fmt.Println("no extensions loaded")
	}
	for _, id := range stats.Loaded {
		state := "loaded"
		if connected[id] {
			state = "connected"
		}
		fmt.Printf("%-40s %s\n", id, state)
	}
	return nil
}

func storageCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bridgectl storage <get|set|keys> [options]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("storage "+sub, flag.ExitOnError)
	common := addCommon(fs)
	_ = fs.Parse(args[1:])

	ctx := context.Background()
	b, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	switch sub {
	case "get":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: bridgectl storage get <key>")
		}
		data, err := b.Storage.GetData(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Println(data)
	case "set":
		if fs.NArg() != 2 {
			return fmt.Errorf("usage: bridgectl storage set <key> <data>")
		}
		if err := b.Storage.SetData(ctx, fs.Arg(0), fs.Arg(1)); err != nil {
			return err
		}
		fmt.Printf("stored %s\n", fs.Arg(0))
	case "keys":
		keys, err := b.Storage.GetKeys(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
	default:
		return fmt.Errorf("unknown storage subcommand %q", sub)
	}
	return nil
}

func diagCommand(args []string) error {
	fs := flag.NewFlagSet("diag", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	_ = fs.Parse(args)
	cfg, err := config.LoadProfile(*profile)
	if err != nil {
		return err
	}
	fmt.Printf("Profile: %s\n", cfg.ProfileName)
	fmt.Printf("Transport: %s %s\n", cfg.Transport.Network, transportAddress(*profile, cfg))
	fmt.Printf("Call timeout: %s\n", cfg.CallTimeout())
	fmt.Printf("Storage: %s\n", config.ResolvePath(*profile, cfg.Host.StoragePath))
	if cfg.Logging.FilePath != "" {
		fmt.Printf("Log File: %s\n", config.ResolvePath(*profile, cfg.Logging.FilePath))
	}
	return nil
}

func transportAddress(profile string, cfg *config.ProfileConfig) string {
	if cfg.Transport.Network == "unix" {
		return config.ResolvePath(profile, cfg.Transport.Address)
	}
	return cfg.Transport.Address
}

func printJSON(v value.Value) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
