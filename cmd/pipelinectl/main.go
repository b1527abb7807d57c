// Command pipelinectl is a thin HTTP client over pipelined's monitoring
// and alert routes. Grounded on the teacher's cmd/slctl/main.go: a global
// flag set for addr/token/timeout, subcommand dispatch, and a small
// apiClient wrapper around net/http. Exit codes: 0 success, 1 business
// failure (a non-2xx response, a missing resource), 2 setup failure
// (bad flags, unreachable server, unreadable response body).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/R3E-Network/document-pipeline-core/pkg/version"
)

// exitError carries the process exit code alongside the error message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func setupErr(err error) error    { return &exitError{code: 2, err: err} }
func businessErr(err error) error { return &exitError{code: 1, err: err} }

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(2)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("PIPELINE_ADDR", "http://localhost:8080")
	defaultToken := os.Getenv("PIPELINE_TOKEN")

	root := flag.NewFlagSet("pipelinectl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "pipelined base URL (env PIPELINE_ADDR)")
	tokenFlag := root.String("token", defaultToken, "bearer token for authenticated routes (env PIPELINE_TOKEN)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	showVersion := root.Bool("version", false, "print pipelinectl build information and exit")
	if err := root.Parse(args); err != nil {
		printRootUsage()
		return setupErr(err)
	}
	if *showVersion {
		fmt.Println(version.FullVersion())
		return nil
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		printRootUsage()
		return setupErr(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		token:   strings.TrimSpace(*tokenFlag),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "health":
		return handleHealth(ctx, client)
	case "metrics":
		return handleMetrics(ctx, client, remaining[1:])
	case "alerts":
		return handleAlerts(ctx, client, remaining[1:])
	case "version":
		return handleVersion(ctx, client)
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return setupErr(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func printRootUsage() {
	fmt.Println(`pipelinectl: operator CLI for the document pipeline core

Usage:
  pipelinectl [global flags] <command> [subcommand] [flags]

Global Flags:
  --addr       pipelined base URL (env PIPELINE_ADDR, default http://localhost:8080)
  --token      bearer token for authenticated routes (env PIPELINE_TOKEN)
  --timeout    HTTP timeout (default 15s)
  --version    print CLI build information and exit

Commands:
  health                    check /healthz
  metrics pipeline|queue|stage <name>|hardware|quality
                            fetch a monitoring snapshot
  alerts list [--severity=X]
  alerts ack <id> [--user=NAME]
  alerts dismiss <id>
  version                   show CLI and server version`)
}

// apiClient is a minimal JSON-over-HTTP client for pipelined's routes.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) request(ctx context.Context, method, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, setupErr(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, setupErr(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, setupErr(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		return data, resp.StatusCode, businessErr(fmt.Errorf("%s %s: %s (status %d)", method, path, strings.TrimSpace(string(data)), resp.StatusCode))
	}
	return data, resp.StatusCode, nil
}

func prettyPrint(data []byte) {
	if len(data) == 0 {
		fmt.Println("(empty)")
		return
	}
	var dst bytes.Buffer
	if err := json.Indent(&dst, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(dst.String())
}

func handleHealth(ctx context.Context, client *apiClient) error {
	data, _, err := client.request(ctx, http.MethodGet, "/healthz")
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleMetrics(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		fmt.Println(`Usage:
  pipelinectl metrics pipeline
  pipelinectl metrics queue
  pipelinectl metrics stage <name>
  pipelinectl metrics hardware
  pipelinectl metrics quality`)
		return setupErr(errors.New("missing metrics subcommand"))
	}

	var path string
	switch args[0] {
	case "pipeline":
		path = "/api/monitoring/pipeline"
	case "queue":
		path = "/api/monitoring/queue"
	case "hardware":
		path = "/api/monitoring/hardware"
	case "quality":
		path = "/api/monitoring/quality"
	case "stage":
		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			return setupErr(errors.New("usage: pipelinectl metrics stage <name>"))
		}
		path = "/api/monitoring/stage/" + args[1]
	default:
		return setupErr(fmt.Errorf("unknown metrics subcommand %q", args[0]))
	}

	data, _, err := client.request(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleAlerts(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		fmt.Println(`Usage:
  pipelinectl alerts list [--severity=X]
  pipelinectl alerts ack <id> [--user=NAME]
  pipelinectl alerts dismiss <id>`)
		return setupErr(errors.New("missing alerts subcommand"))
	}

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("alerts list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		severity := fs.String("severity", "", "filter by severity")
		if err := fs.Parse(args[1:]); err != nil {
			return setupErr(err)
		}
		path := "/api/alerts"
		if *severity != "" {
			path += "?severity=" + *severity
		}
		data, _, err := client.request(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil

	case "ack":
		if len(args) < 2 {
			return setupErr(errors.New("usage: pipelinectl alerts ack <id> [--user=NAME]"))
		}
		fs := flag.NewFlagSet("alerts ack", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		user := fs.String("user", "", "acknowledging user")
		if err := fs.Parse(args[2:]); err != nil {
			return setupErr(err)
		}
		path := fmt.Sprintf("/api/alerts/%s/acknowledge", args[1])
		if *user != "" {
			path += "?user=" + *user
		}
		_, _, err := client.request(ctx, http.MethodPost, path)
		if err != nil {
			return err
		}
		fmt.Println("acknowledged")
		return nil

	case "dismiss":
		if len(args) < 2 {
			return setupErr(errors.New("usage: pipelinectl alerts dismiss <id>"))
		}
		_, _, err := client.request(ctx, http.MethodPost, fmt.Sprintf("/api/alerts/%s/dismiss", args[1]))
		if err != nil {
			return err
		}
		fmt.Println("dismissed")
		return nil

	default:
		return setupErr(fmt.Errorf("unknown alerts subcommand %q", args[0]))
	}
}

func handleVersion(ctx context.Context, client *apiClient) error {
	fmt.Printf("pipelinectl: %s\n", version.FullVersion())
	data, _, err := client.request(ctx, http.MethodGet, "/healthz")
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
