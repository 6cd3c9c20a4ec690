// Command tunnelproxy runs the local-side TCP tunnel proxy endpoint: it
// dials a remote peer over WebSocket or SSH, then for every tunnel listed
// in its config file, listens on a local TCP port and multiplexes inbound
// connections as framed events over the shared transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sammck-go/tunnelproxy/internal/tlog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "tunnelproxy.json", "path to the tunnel list config file")
		levelName  = flag.String("loglevel", "info", "log level: error, warning, info, debug, trace")
	)
	flag.Parse()

	log := tlog.New("tunnelproxy", tlog.ParseLevel(*levelName))

	sv, err := NewSupervisor(log, *configPath)
	if err != nil {
		return fmt.Errorf("tunnelproxy: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = sv.Run(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
