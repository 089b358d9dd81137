// Command pagecache is a full-page caching reverse proxy with
// traffic-adaptive promotion.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/pagecache/server"
	"github.com/wolfeidau/pagecache/telemetry"
)

var version = "dev"

type globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format (text, json)." enum:"text,json" default:"text"`
}

type cli struct {
	globals

	Serve serveCmd `cmd:"" help:"Run the caching server."`
	Flush flushCmd `cmd:"" help:"Flush cached pages on a running server."`
	Warm  warmCmd  `cmd:"" help:"Queue URLs for warming on a running server."`
	Stats statsCmd `cmd:"" help:"Show cache statistics from a running server."`
	Info  infoCmd  `cmd:"" help:"Show effective configuration of a running server."`

	Version kong.VersionFlag `help:"Show version."`
}

func main() {
	var cli cli
	ctx := kong.Parse(&cli,
		kong.Name("pagecache"),
		kong.Description("Full-page caching reverse proxy with traffic-adaptive promotion."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.globals))
}

func (g *globals) logger() *slog.Logger {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if g.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	}
	return slog.New(handler)
}

type serveCmd struct {
	Address      string `help:"Address to listen on." default:":8080"`
	Origin       string `help:"Upstream origin base URL pages are generated from." required:""`
	Storage      string `help:"Storage directory path." default:"./cache"`
	Config       string `help:"YAML config file, watched for changes." type:"existingfile" optional:""`
	RedisAddr    string `help:"Redis address for a shared traffic recorder." optional:""`
	Tenant       string `help:"Default tenant namespace." optional:""`
	AuthToken    string `help:"Admin bearer token; empty disables auth." env:"PAGECACHE_AUTH_TOKEN" optional:""`
	ReadToken    string `help:"Read-only bearer token for stats and info." env:"PAGECACHE_READ_TOKEN" optional:""`
	Metrics      bool   `help:"Expose Prometheus metrics on /metrics." default:"true"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metric export." optional:""`
}

func (c *serveCmd) Run(g *globals) error {
	logger := g.logger()

	shutdownMetrics, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceName:      "pagecache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Metrics,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:     c.Address,
		Origin:      c.Origin,
		StoragePath: c.Storage,
		ConfigPath:  c.Config,
		RedisAddr:   c.RedisAddr,
		Tenant:      c.Tenant,
		AuthToken:   c.AuthToken,
		ReadToken:   c.ReadToken,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return shutdownMetrics(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// clientFlags are shared by the subcommands that talk to a running server.
type clientFlags struct {
	Server string `help:"Base URL of the running server." default:"http://localhost:8080"`
	Token  string `help:"Bearer token." env:"PAGECACHE_TOKEN" optional:""`
	Tenant string `help:"Tenant namespace, sent as X-Tenant." optional:""`
}

func (c *clientFlags) do(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, c.Server+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.Tenant != "" {
		req.Header.Set("X-Tenant", c.Tenant)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type flushCmd struct {
	clientFlags

	Scope  string `arg:"" help:"Flush scope." enum:"one,pattern,all"`
	Target string `arg:"" help:"URL path or glob pattern." optional:""`
}

func (c *flushCmd) Run(_ *globals) error {
	if c.Scope != "all" && c.Target == "" {
		return fmt.Errorf("target is required for scope %s", c.Scope)
	}

	var out map[string]any
	err := c.do(http.MethodPost, "/cache/flush", map[string]string{
		"scope":  c.Scope,
		"target": c.Target,
	}, &out)
	if err != nil {
		return err
	}
	return printJSON(out)
}

type warmCmd struct {
	clientFlags

	URLs     []string `arg:"" help:"URLs or paths to warm."`
	Priority int      `help:"Queue priority, higher first." default:"0"`
}

func (c *warmCmd) Run(_ *globals) error {
	var out map[string]any
	err := c.do(http.MethodPost, "/cache/warm", map[string]any{
		"urls":     c.URLs,
		"priority": c.Priority,
	}, &out)
	if err != nil {
		return err
	}
	return printJSON(out)
}

type statsCmd struct {
	clientFlags
}

func (c *statsCmd) Run(_ *globals) error {
	var out map[string]any
	if err := c.do(http.MethodGet, "/cache/stats", nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

type infoCmd struct {
	clientFlags
}

func (c *infoCmd) Run(_ *globals) error {
	var out map[string]any
	if err := c.do(http.MethodGet, "/cache/info", nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}
