// Command loadtest fires concurrent tool invocations at a running toolgate
// server and reports how many were admitted, rejected for capacity, timed
// out or failed, with latency percentiles for the admitted calls.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

// Options controls a load run
type Options struct {
	BaseURL     string
	Tool        string
	Arguments   map[string]any
	Requests    int
	Concurrency int
	TimeoutMs   int64
}

// Report summarizes a load run. Outcomes are keyed by the error kind the
// server reported, or "ok".
type Report struct {
	Requests int            `json:"requests"`
	Outcomes map[string]int `json:"outcomes"`
	Elapsed  time.Duration  `json:"elapsed_ns"`
	P50      time.Duration  `json:"p50_ns"`
	P95      time.Duration  `json:"p95_ns"`
	Max      time.Duration  `json:"max_ns"`
}

// Admitted is the number of calls that got a session
func (r *Report) Admitted() int {
	return r.Requests - r.Outcomes["busy"] - r.Outcomes["draining"] - r.Outcomes["transport"]
}

func main() {
	cmd := &cli.Command{
		Name:  "loadtest",
		Usage: "fire concurrent tool calls at a toolgate server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "server base URL"},
			&cli.StringFlag{Name: "tool", Value: "sleep", Usage: "tool to invoke"},
			&cli.StringFlag{Name: "args", Value: `{"duration_ms": 100}`, Usage: "tool arguments as JSON"},
			&cli.IntFlag{Name: "requests", Aliases: []string{"n"}, Value: 500, Usage: "total calls"},
			&cli.IntFlag{Name: "concurrency", Aliases: []string{"c"}, Value: 300, Usage: "calls in flight at once"},
			&cli.IntFlag{Name: "timeout-ms", Usage: "per-call timeout sent to the server (0 uses its default)"},
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var args map[string]any
			if err := json.Unmarshal([]byte(cmd.String("args")), &args); err != nil {
				return fmt.Errorf("invalid --args: %w", err)
			}

			report, err := Run(ctx, &http.Client{}, Options{
				BaseURL:     cmd.String("url"),
				Tool:        cmd.String("tool"),
				Arguments:   args,
				Requests:    int(cmd.Int("requests")),
				Concurrency: int(cmd.Int("concurrency")),
				TimeoutMs:   int64(cmd.Int("timeout-ms")),
			})
			if err != nil {
				return err
			}

			if cmd.Bool("json") {
				enc := json.NewEncoder(cmd.Root().Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(cmd.Root().Writer, report)
			return nil
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

// Run sends opts.Requests invocations with at most opts.Concurrency in flight
func Run(ctx context.Context, client *http.Client, opts Options) (*Report, error) {
	if opts.Requests <= 0 {
		return nil, fmt.Errorf("requests must be positive, got %d", opts.Requests)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	body, err := json.Marshal(map[string]any{
		"arguments":  opts.Arguments,
		"timeout_ms": opts.TimeoutMs,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	url := strings.TrimSuffix(opts.BaseURL, "/") + "/api/tools/" + opts.Tool + "/invoke"

	var (
		mu        sync.Mutex
		outcomes  = make(map[string]int)
		latencies []time.Duration
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	start := time.Now()
	for i := 0; i < opts.Requests; i++ {
		g.Go(func() error {
			callStart := time.Now()
			outcome := invoke(gctx, client, url, body)
			elapsed := time.Since(callStart)

			mu.Lock()
			outcomes[outcome]++
			if outcome == "ok" {
				latencies = append(latencies, elapsed)
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	report := &Report{
		Requests: opts.Requests,
		Outcomes: outcomes,
		Elapsed:  time.Since(start),
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		report.P50 = latencies[len(latencies)*50/100]
		report.P95 = latencies[len(latencies)*95/100]
		report.Max = latencies[len(latencies)-1]
	}
	return report, nil
}

// invoke performs one call and returns its outcome kind
func invoke(ctx context.Context, client *http.Client, url string, body []byte) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "transport"
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "transport"
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "ok"
	}

	var errResp struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Kind == "" {
		return fmt.Sprintf("http_%d", resp.StatusCode)
	}
	return errResp.Kind
}

func printReport(w io.Writer, r *Report) {
	fmt.Fprintf(w, "Requests: %d in %s\n", r.Requests, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Admitted: %d\n", r.Admitted())

	kinds := make([]string, 0, len(r.Outcomes))
	for kind := range r.Outcomes {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(w, "  %-18s %d\n", kind+":", r.Outcomes[kind])
	}

	if r.Outcomes["ok"] > 0 {
		fmt.Fprintf(w, "Latency (ok): p50=%s p95=%s max=%s\n",
			r.P50.Round(time.Millisecond), r.P95.Round(time.Millisecond), r.Max.Round(time.Millisecond))
	}
}
