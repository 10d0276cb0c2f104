// Cover traffic engine daemon.
//
// Usage:
//
//	ctnetd --config=ctnet.yaml  Run engine
//	ctnetd --help               Show help
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/mixnet-ct/config"
	"github.com/Klingon-tech/mixnet-ct/internal/node"
)

func main() {
	configPath := flag.String("config", "ctnet.yaml", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	e, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := e.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		e.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	e.Stop()
}
