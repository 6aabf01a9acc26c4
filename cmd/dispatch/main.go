package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mixaill76/free_llm_dispatch/internal/auth"
	"github.com/mixaill76/free_llm_dispatch/internal/clock"
	"github.com/mixaill76/free_llm_dispatch/internal/config"
	"github.com/mixaill76/free_llm_dispatch/internal/credential"
	"github.com/mixaill76/free_llm_dispatch/internal/dispatch"
	"github.com/mixaill76/free_llm_dispatch/internal/httputil"
	"github.com/mixaill76/free_llm_dispatch/internal/logger"
	"github.com/mixaill76/free_llm_dispatch/internal/monitoring"
	"github.com/mixaill76/free_llm_dispatch/internal/provider/gemini"
	"github.com/mixaill76/free_llm_dispatch/internal/provider/openrouter"
	"github.com/mixaill76/free_llm_dispatch/internal/ratelimit"
	"github.com/mixaill76/free_llm_dispatch/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (default $FREE_LLM_CONFIG)")
	prompt := flag.String("prompt", "", "Prompt to dispatch")
	imagePath := flag.String("image", "", "Image file attached to the prompt")
	batchPath := flag.String("batch", "", "File with one prompt per line, dispatched concurrently")
	workers := flag.Int("workers", 4, "Concurrent workers in batch mode")
	logFormat := flag.String("log-format", "", "Log format override: text or json")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address (enables metrics)")
	flag.Parse()

	if *prompt == "" && *batchPath == "" {
		fmt.Fprintln(os.Stderr, "either -prompt or -batch is required")
		flag.Usage()
		os.Exit(2)
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("FREE_LLM_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *logFormat != "" {
		if *logFormat != "text" && *logFormat != "json" {
			slog.Error("invalid -log-format, must be text or json", "value", *logFormat)
			os.Exit(2)
		}
		cfg.LogFormat = *logFormat
	}
	if *metricsAddr != "" {
		cfg.Monitoring.PrometheusEnabled = true
		cfg.Monitoring.ListenAddr = *metricsAddr
	}

	log := newLogger(cfg.LogFormat, cfg.LogLevel)
	cfg.LogSummary(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)
	if cfg.Monitoring.PrometheusEnabled {
		startMetricsServer(log, cfg.Monitoring.ListenAddr)
	}

	d := buildDispatcher(cfg, metrics, log)

	var runErr error
	if *prompt != "" {
		runErr = runOnce(ctx, d, log, *prompt, *imagePath)
	} else {
		runErr = runBatch(ctx, d, log, *batchPath, *workers)
	}

	stop()
	if runErr != nil {
		os.Exit(1)
	}
}

func newLogger(format, level string) *slog.Logger {
	if format == "json" {
		return logger.NewJSON(level)
	}
	return logger.New(level)
}

// buildDispatcher wires pools, limiters and bindings from the effective
// configuration.
func buildDispatcher(cfg *config.Config, metrics *monitoring.Metrics, log *slog.Logger) *dispatch.Dispatcher {
	clk := clock.System()
	client := httputil.NewClient(httputil.DefaultClientConfig())
	tun := cfg.Tunables

	poolCfg := credential.PoolConfig{
		MinInterval:    tun.MinInterval,
		RateLimitDelay: tun.RateLimitDelay,
		Wait:           tun.PoolWait,
		WaitAttempts:   tun.PoolWaitAttempts,
	}
	// The fallback pass never waits for pacing; a busy pool means the
	// next tier.
	secPoolCfg := poolCfg
	secPoolCfg.WaitAttempts = 0

	primCreds := credential.FromKeys(cfg.Primary.Credentials)
	primCreds = append(primCreds, credential.FromServiceAccounts(cfg.Primary.ServiceAccountFiles)...)

	primaryPool := credential.NewPool(config.ProviderGemini, primCreds, poolCfg, clk, metrics)
	primaryPool.SetLogger(log)
	secondaryPool := credential.NewPool(config.ProviderOpenRouter, credential.FromKeys(cfg.Secondary.Credentials), secPoolCfg, clk, metrics)
	secondaryPool.SetLogger(log)

	primaryLim := ratelimit.NewTierLimiter(config.ProviderGemini, toTiers(cfg.Primary.Tiers), tun.TierSwitchCooldown, clk, metrics)
	primaryLim.SetLogger(log)
	secondaryLim := ratelimit.NewTierLimiter(config.ProviderOpenRouter, toTiers(cfg.Secondary.Tiers), tun.TierSwitchCooldown, clk, metrics)
	secondaryLim.SetLogger(log)

	var tokens *auth.TokenManager
	if len(cfg.Primary.ServiceAccountFiles) > 0 {
		tokens = auth.NewTokenManager(clk, log)
	}
	gem := gemini.New(gemini.Config{
		BaseURL:   cfg.Primary.BaseURL,
		ProjectID: cfg.Primary.ProjectID,
		Location:  cfg.Primary.Location,
	}, client, tokens, log)
	orb := openrouter.New(cfg.Secondary.BaseURL, client, log)

	d := dispatch.New(
		dispatch.Provider{Binding: gem, Pool: primaryPool, Limiter: primaryLim},
		dispatch.Provider{Binding: orb, Pool: secondaryPool, Limiter: secondaryLim},
		tun, clk, metrics,
	)
	d.SetLogger(log)
	d.SetEventSink(dispatch.NewSlogSink(log))
	return d
}

func toTiers(tiers []config.TierConfig) []ratelimit.Tier {
	out := make([]ratelimit.Tier, len(tiers))
	for i, t := range tiers {
		out[i] = ratelimit.Tier{Name: t.Name, RPM: t.RPM}
	}
	return out
}

func startMetricsServer(log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info("metrics server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()
}

// runOnce dispatches a single prompt and prints the completion text to
// stdout.
func runOnce(ctx context.Context, d *dispatch.Dispatcher, log *slog.Logger, prompt, imagePath string) error {
	req := dispatch.Request{Prompt: prompt}
	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			log.Error("failed to read image", "path", imagePath, "error", err)
			return err
		}
		req.Image = data
		req.ImageMIME = imageMIME(imagePath)
	}

	res, err := d.Generate(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}

// runBatch dispatches every prompt in the file through the worker pool and
// writes one JSON result line per prompt to stdout.
func runBatch(ctx context.Context, d *dispatch.Dispatcher, log *slog.Logger, path string, workers int) error {
	f, err := os.Open(path)
	if err != nil {
		log.Error("failed to open batch file", "path", path, "error", err)
		return err
	}
	prompts, err := readPrompts(f)
	_ = f.Close()
	if err != nil {
		log.Error("failed to read batch file", "path", path, "error", err)
		return err
	}
	if len(prompts) == 0 {
		log.Warn("batch file has no prompts", "path", path)
		return nil
	}

	log.Info("batch started", "prompts", len(prompts), "workers", workers)

	queue := make(chan worker.Job, len(prompts))
	results := make(chan worker.PromptResult, len(prompts))
	wg := worker.SpawnWorkerPool(ctx, workers, queue, log)

	for i, p := range prompts {
		queue <- worker.PromptJob{ID: i + 1, Prompt: p, Gen: d, Results: results}
	}
	close(queue)

	go func() {
		wg.Wait()
		close(results)
	}()

	enc := json.NewEncoder(os.Stdout)
	succeeded, failed := 0, 0
	for r := range results {
		if r.Err != nil {
			failed++
		} else {
			succeeded++
		}
		if err := enc.Encode(resultLine(r)); err != nil {
			log.Error("failed to encode result", "id", r.ID, "error", err)
		}
	}

	log.Info("batch finished", "succeeded", succeeded, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d prompts failed", failed, len(prompts))
	}
	return nil
}

// readPrompts returns one prompt per non-blank line, skipping # comments.
func readPrompts(r io.Reader) ([]string, error) {
	var prompts []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	return prompts, sc.Err()
}

// imageMIME guesses the MIME type from the file extension. Anything that
// is not an image type falls back to image/jpeg.
func imageMIME(path string) string {
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if !strings.HasPrefix(mt, "image/") {
		return "image/jpeg"
	}
	return mt
}

// batchResult is one JSON line of batch output.
type batchResult struct {
	ID       int    `json:"id"`
	Prompt   string `json:"prompt"`
	Text     string `json:"text,omitempty"`
	Provider string `json:"provider,omitempty"`
	Tier     string `json:"tier,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func resultLine(r worker.PromptResult) batchResult {
	out := batchResult{
		ID:       r.ID,
		Prompt:   r.Prompt,
		Text:     r.Text,
		Provider: r.Provider,
		Tier:     r.Tier,
		Attempts: r.Attempts,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}
