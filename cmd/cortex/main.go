// cortex is the command-line entry point for the local inference control
// plane. It serves the HTTP API and drives a running server for engine
// and model management.
//
// Usage:
//
//	cortex serve                      Run the API server in the foreground
//	cortex engines list               List engine families and installs
//	cortex engines install <family>   Install the best variant for this host
//	cortex engines uninstall <family> Remove an engine install
//	cortex engines use <family> <version> <variant>
//	cortex models list                List pulled models
//	cortex models pull <url>          Download a model artifact
//	cortex models run <model>         Load a model and start chatting
//	cortex ps                         Show loaded engines and downloads
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/janhq/cortex/internal/config"
)

// Exit codes: 0 success, 1 user error, 2 runtime error.
const (
	exitOK      = 0
	exitUsage   = 1
	exitRuntime = 2
)

type globalFlags struct {
	Host    string
	Port    int
	DataDir string
	Verbose bool
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// A .env next to the binary can carry tokens and endpoint overrides.
	_ = godotenv.Load()

	flags := flag.NewFlagSet("cortex", flag.ContinueOnError)
	var g globalFlags
	flags.StringVar(&g.Host, "host", "", "API server host (overrides config)")
	flags.IntVar(&g.Port, "port", 0, "API server port (overrides config)")
	flags.StringVar(&g.DataDir, "data-dir", "", "data folder (overrides config)")
	flags.BoolVarP(&g.Verbose, "verbose", "v", false, "debug logging")
	flags.Usage = usage

	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(exitUsage)
	}
	if g.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	args := flags.Args()
	if len(args) == 0 {
		usage()
		os.Exit(exitUsage)
	}

	ov := config.Overrides{Host: g.Host, Port: g.Port, DataDir: g.DataDir}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(ov)
	case "engines":
		err = runEngines(ov, args[1:])
	case "models":
		err = runModels(ov, args[1:])
	case "ps":
		err = runPS(ov)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(exitUsage)
	}

	switch e := err.(type) {
	case nil:
		os.Exit(exitOK)
	case *usageError:
		fmt.Fprintln(os.Stderr, e.Error())
		os.Exit(exitUsage)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitRuntime)
	}
}

// usageError marks user mistakes (bad arguments) for exit-code mapping.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func usage() {
	fmt.Fprint(os.Stderr, `cortex — local inference control plane

Commands:
  serve                             run the API server
  engines list                      list engine families
  engines install <family>          install the best variant for this host
  engines uninstall <family>        remove an install
  engines use <family> <ver> <var>  set the default variant
  models list                       list pulled models
  models pull <url>                 download a model artifact
  models run <model>                load a model and chat
  ps                                show loaded engines and downloads

Flags:
  --host, --port, --data-dir        override cortex.yaml
  -v, --verbose                     debug logging
`)
}
