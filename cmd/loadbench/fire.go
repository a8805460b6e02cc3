package loadbench

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/loadbench/pkg/httputil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var fireCmd = &cobra.Command{
	Use:   "fire",
	Short: "Drive an API endpoint with concurrent requests",
	Long: `Sends --requests requests to --target with at most --concurrency in flight and
reports latency percentiles. "{i}" in the target is replaced by the request
index, e.g. http://localhost:3000/api/test-mq?index={i}.`,
	RunE: runFire,
}

func init() {
	f := fireCmd.Flags()
	f.String("target", "", "URL to request")
	f.IntP("requests", "n", 0, "total number of requests")
	f.IntP("concurrency", "c", 0, "maximum requests in flight")
	f.Duration("timeout", 0, "per-request timeout")
	f.Uint64("retries", 0, "retries per request on transport errors and 5xx")
	f.StringP("method", "X", http.MethodGet, "HTTP method")
	f.StringP("data", "d", "", "request body")

	bindFlags(fireCmd, map[string]string{
		"target":      "fire.target",
		"requests":    "fire.requests",
		"concurrency": "fire.concurrency",
		"timeout":     "fire.timeout",
		"retries":     "fire.maxRetries",
	})
}

type fireOptions struct {
	Target      string
	Method      string
	Body        string
	Requests    int
	Concurrency int
	Timeout     time.Duration
	MaxRetries  uint64
}

type fireSummary struct {
	Requests  int
	Succeeded int
	Failed    int
	Retries   int
	Elapsed   time.Duration
	latencies []time.Duration
}

// Percentile returns the latency below which p percent of successful
// requests completed.
func (s fireSummary) Percentile(p float64) time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	idx := int(float64(len(s.latencies)-1) * p / 100)
	return s.latencies[idx]
}

func runFire(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	method, _ := cmd.Flags().GetString("method")
	body, _ := cmd.Flags().GetString("data")
	opts := fireOptions{
		Target:      cfg.Fire.Target,
		Method:      strings.ToUpper(method),
		Body:        body,
		Requests:    cfg.Fire.Requests,
		Concurrency: cfg.Fire.Concurrency,
		Timeout:     cfg.Fire.Timeout,
		MaxRetries:  cfg.Fire.MaxRetries,
	}

	summary, err := fire(ctx, opts, logger)
	if err != nil {
		return err
	}
	logger.Info("Load test finished",
		zap.String("target", opts.Target),
		zap.Int("requests", summary.Requests),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("retries", summary.Retries),
		zap.Duration("elapsed", summary.Elapsed),
		zap.Float64("rps", float64(summary.Requests)/summary.Elapsed.Seconds()),
		zap.Duration("p50", summary.Percentile(50)),
		zap.Duration("p90", summary.Percentile(90)),
		zap.Duration("p99", summary.Percentile(99)),
		zap.Duration("max", summary.Percentile(100)))
	return nil
}

// fire sends opts.Requests requests with at most opts.Concurrency in flight.
// Failed requests are counted, not returned; the error is only set when ctx
// ends the run early.
func fire(ctx context.Context, opts fireOptions, logger *zap.Logger) (fireSummary, error) {
	client := &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        opts.Concurrency,
			MaxIdleConnsPerHost: opts.Concurrency,
		},
	}
	defer client.CloseIdleConnections()

	var (
		mu      sync.Mutex
		summary = fireSummary{Requests: opts.Requests}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Concurrency, 1))

	start := time.Now()
	for i := range opts.Requests {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			rc := httputil.DefaultRequestConfig(opts.Method, strings.ReplaceAll(opts.Target, "{i}", strconv.Itoa(i)))
			rc.Client = client
			rc.Logger = logger
			rc.MaxRetries = opts.MaxRetries
			rc.RetryEnabled = opts.MaxRetries > 0

			var payload any
			if opts.Body != "" {
				payload = opts.Body
			}

			began := time.Now()
			resp, err := httputil.Request(gctx, rc, payload)
			took := time.Since(began)

			mu.Lock()
			defer mu.Unlock()
			if resp != nil && resp.Attempts > 1 {
				summary.Retries += resp.Attempts - 1
			}
			if err != nil {
				summary.Failed++
				logger.Debug("Request failed", zap.Int("index", i), zap.Error(err))
				return nil
			}
			summary.Succeeded++
			summary.latencies = append(summary.latencies, took)
			return nil
		})
	}
	err := g.Wait()
	summary.Elapsed = time.Since(start)
	slices.Sort(summary.latencies)

	if err == nil {
		err = ctx.Err()
	}
	return summary, err
}
