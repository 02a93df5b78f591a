package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rexliu/hostbridge/pkg/config"
	"github.com/rexliu/hostbridge/pkg/ipc"
	"github.com/rexliu/hostbridge/pkg/logging"
	"github.com/rexliu/hostbridge/pkg/storage/sqlite"
)

func main() {
	profile := flag.String("profile", "./_dev_profile", "Path to profile directory")
	socket := flag.String("socket", "", "Override socket path (optional)")
	stdio := flag.Bool("stdio", false, "Serve a single client over stdin/stdout instead of a socket")
	flag.Parse()

	logger := logging.New("bridgehost")
	logger.Infof("starting host with profile %s", *profile)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cancel, *profile, *socket, *stdio, logger); err != nil {
		logger.Errorf("fatal error: %v", err)
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func loadConfig(profileDir string) (*config.ProfileConfig, error) {
	cfg, err := config.LoadProfile(profileDir)
	if errors.Is(err, os.ErrNotExist) {
		return config.DefaultProfile("default"), nil
	}
	return cfg, err
}

func run(ctx context.Context, stop context.CancelFunc, profileDir, socketOverride string, stdio bool, logger *logging.Logger) error {
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return err
	}
	cfg, err := loadConfig(profileDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logCfg := cfg.Logging
	logCfg.FilePath = config.ResolvePath(profileDir, logCfg.FilePath)
	if err := logger.Configure(logCfg); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	store, err := sqlite.Open(config.ResolvePath(profileDir, cfg.Host.StoragePath))
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init sqlite: %w", err)
	}

	srv := ipc.NewHost(logger)
	h := newHost(cfg, store, srv, stop, logger)
	h.registerHandlers()

	if stdio {
		logger.Infof("serving over stdio")
		return srv.ServeConn(ctx, stdioConn{Reader: os.Stdin, Writer: os.Stdout})
	}

	socketPath := socketOverride
	if socketPath == "" {
		if cfg.Transport.Network != "unix" {
			return fmt.Errorf("reference host only listens on unix sockets, profile uses %s", cfg.Transport.Network)
		}
		socketPath = config.ResolvePath(profileDir, cfg.Transport.Address)
	}
	if err := cleanupSocket(socketPath); err != nil {
		return err
	}
	if err := srv.Start(ctx, socketPath); err != nil {
		return fmt.Errorf("start ipc: %w", err)
	}
	defer func() {
		srv.Stop()
		cleanupSocket(socketPath)
	}()

	logger.Infof("host ready; socket at %s", socketPath)

	<-ctx.Done()
	logger.Infof("shutting down")
	return nil
}

func cleanupSocket(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

// stdioConn joins stdin and stdout into one stream.
type stdioConn struct {
	io.Reader
	io.Writer
}

func (c stdioConn) Close() error {
	if rc, ok := c.Reader.(io.Closer); ok {
		return rc.Close()
	}
	return nil
}
