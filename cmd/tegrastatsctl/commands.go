package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skobkin/tegrastats-web/internal/api"
	"github.com/skobkin/tegrastats-web/internal/config"
	"github.com/skobkin/tegrastats-web/internal/monitor"
	"github.com/skobkin/tegrastats-web/internal/tegrastats"
)

const maxLineSize = 64 * 1024

func runQuery(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flagSet := newFlagSet("query", stderr)
	server := serverFlag(flagSet)
	timeout := flagSet.Duration("timeout", 5*time.Second, "per-request timeout")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	endpoint := "status"
	switch flagSet.NArg() {
	case 0:
	case 1:
		endpoint = flagSet.Arg(0)
	default:
		return &exitError{code: 2, err: errors.New("query takes at most one endpoint")}
	}

	opts := monitor.DefaultClientOptions()
	opts.Timeout = *timeout
	client, err := monitor.NewClient(*server, opts)
	if err != nil {
		return err
	}

	body, err := client.Get(ctx, endpoint)
	if err != nil {
		var statusErr *monitor.StatusError
		if errors.As(err, &statusErr) && statusErr.Unavailable() {
			return &exitError{code: 3, err: err}
		}
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(stdout)
	return err
}

func runMonitor(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flagSet := newFlagSet("monitor", stderr)
	server := serverFlag(flagSet)
	duration := flagSet.DurationP("duration", "d", 0, "stop after this long (0 runs until interrupted)")
	plain := flagSet.Bool("plain", false, "print one line per update instead of the dashboard")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	client, err := monitor.NewClient(*server, monitor.DefaultClientOptions())
	if err != nil {
		return err
	}

	return client.Monitor(ctx, monitor.MonitorOptions{
		Duration: *duration,
		Plain:    *plain,
		Out:      stdout,
	})
}

func runDecode(_ context.Context, args []string, stdout, stderr io.Writer) error {
	flagSet := newFlagSet("decode", stderr)
	quiet := flagSet.BoolP("quiet", "q", false, "do not report skipped lines")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	var input io.Reader = os.Stdin
	if path := flagSet.Arg(0); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		input = f
	}

	result, err := decodeLines(input, stdout, stderr, *quiet, time.Now)
	if err != nil {
		return err
	}
	fmt.Fprintf(stderr, "decoded %d, skipped %d, dropped fields %d\n", result.decoded, result.skipped, result.dropped)
	if result.decoded == 0 && result.skipped > 0 {
		return &exitError{code: 1, err: errors.New("no line could be decoded")}
	}
	return nil
}

type decodeResult struct {
	decoded int
	skipped int
	dropped int
}

// decodeLines writes one JSON snapshot per decodable line to stdout and
// reports rejected lines and dropped field groups on stderr.
func decodeLines(input io.Reader, stdout, stderr io.Writer, quiet bool, now func() time.Time) (decodeResult, error) {
	var result decodeResult

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		snap, ok, err := tegrastats.Decode(line, now())
		if !ok {
			result.skipped++
			if !quiet {
				fmt.Fprintf(stderr, "line %d: skipped: %v\n", lineNo, err)
			}
			continue
		}
		if err != nil {
			result.dropped += countJoined(err)
			if !quiet {
				fmt.Fprintf(stderr, "line %d: %v\n", lineNo, err)
			}
		}

		frame, err := api.Encode(snap)
		if err != nil {
			return result, err
		}
		if _, err := fmt.Fprintf(stdout, "%s\n", frame); err != nil {
			return result, err
		}
		result.decoded++
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read input: %w", err)
	}
	return result, nil
}

// countJoined returns the number of field errors joined by Decode.
func countJoined(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

func runConfig(_ context.Context, args []string, stdout, stderr io.Writer) error {
	flagSet := newFlagSet("config", stderr)
	configFile := flagSet.StringP("config", "c", os.Getenv("APP_CONFIG_FILE"), "YAML configuration file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFrom(strings.TrimSpace(*configFile))
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	_, err = stdout.Write(data)
	return err
}
