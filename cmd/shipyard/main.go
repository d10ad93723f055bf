package main

import (
	"fmt"
	"os"

	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/logger"
)

func main() {
	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	cfg := config.LoadPlatformConfig()
	log := logger.New("shipyard", logger.ParseLevel(cfg.LogLevel))

	var err error
	switch mode {
	case "serve":
		err = serve(cfg, log)
	case "static":
		err = serveStatic(cfg, log.With("mode", "static"))
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", mode)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Error("shipyard exited", "mode", mode, "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: shipyard [serve|static]

  serve   run the proxy, API and git gateway (default)
  static  serve $DIRECTORY on $PORT`)
}
