// tegrastatsctl queries and monitors a tegrastats-web server, decodes raw
// tegrastats output offline and prints the effective server configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/skobkin/tegrastats-web/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

const defaultServer = "http://localhost:58090"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout, stderr io.Writer) error
}

var commands = []command{
	{name: "query", summary: "fetch a REST endpoint and print it as JSON", run: runQuery},
	{name: "monitor", summary: "stream live updates from the server", run: runMonitor},
	{name: "decode", summary: "decode tegrastats lines from a file or stdin", run: runDecode},
	{name: "config", summary: "print the effective server configuration as YAML", run: runConfig},
}

// exitError carries a process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coded *exitError
		if errors.As(err, &coded) {
			os.Exit(coded.ExitCode())
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return &exitError{code: 2, err: errors.New("missing command")}
	}

	switch args[0] {
	case "-h", "--help", "help":
		printUsage(stdout)
		return nil
	case "-v", "--version", "version":
		fmt.Fprintln(stdout, "tegrastatsctl "+version.Current().String())
		return nil
	}

	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(ctx, args[1:], stdout, stderr)
		}
	}

	printUsage(stderr)
	return &exitError{code: 2, err: fmt.Errorf("unknown command %q", args[0])}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: tegrastatsctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'tegrastatsctl <command> --help' for command flags.")
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("tegrastatsctl "+name, pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	return flagSet
}

func serverFlag(flagSet *pflag.FlagSet) *string {
	server := os.Getenv("TEGRASTATS_SERVER")
	if server == "" {
		server = defaultServer
	}
	return flagSet.StringP("server", "s", server, "tegrastats-web base URL (env TEGRASTATS_SERVER)")
}
