// Command port-daddy runs the single-host coordination daemon: port
// assignment, locks, pub/sub, agent liveness, sessions and salvage for
// the developers and coding agents sharing one machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/curiositech/port-daddy/daemon"
	"github.com/curiositech/port-daddy/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("port-daddy", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (default from config, 127.0.0.1:9876)")
	dataDir := fs.String("data-dir", "", "data directory (default ~/.config/port-daddy)")
	configFile := fs.String("config", "", "path to config.yaml")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}
	if *logLevel != "" {
		if err := setLevel(*logLevel); err != nil {
			return err
		}
	}

	daemon.Version = version
	server, err := daemon.NewServer(daemon.ServerConfig{
		ConfigFile: *configFile,
		Addr:       *addr,
		DataDir:    *dataDir,
	})
	if err != nil {
		return err
	}
	if *logLevel == "" && server.Config().LogLevel != "" {
		if err := setLevel(server.Config().LogLevel); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}

func setLevel(s string) error {
	l, err := logging.ParseLevel(s)
	if err != nil {
		return fmt.Errorf("invalid log level %q", s)
	}
	logging.SetLevel(l)
	return nil
}
