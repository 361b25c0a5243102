// flowbusd is the flowbus demo daemon. It registers a couple of built-in
// process graphs on one in-memory connection, serves the inspection API over
// HTTP, and fires any schedules declared in flowbus.yaml.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rat-data/flowbus"
	"github.com/rat-data/flowbus/config"
	"github.com/rat-data/flowbus/inspect"
	"github.com/rat-data/flowbus/schedule"
)

func main() {
	setupLogging()

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("flowbusd exited with error", "error", err)
		os.Exit(1)
	}
}

// setupLogging configures the process-wide slog handler. JSON by default;
// FLOWBUS_LOG_FORMAT=text switches to the text handler for local use.
func setupLogging() {
	level := slog.LevelInfo
	if v := os.Getenv("FLOWBUS_LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			level = slog.LevelInfo
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("FLOWBUS_LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn := flowbus.NewInMemoryConnection()
	engines := builtinEngines(conn, cfg.Engine.Options())

	scheduler := schedule.New(schedule.DefaultInterval)
	for _, sc := range cfg.Schedules {
		engine, ok := engines[sc.Engine]
		if !ok {
			return fmt.Errorf("schedule %q: unknown engine %q", sc.Name, sc.Engine)
		}
		job := schedule.Job{Name: sc.Name, Cron: sc.Cron, Input: sc.Input, Invoker: engine}
		if err := scheduler.Add(job); err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		slog.Info("registered schedule", "name", sc.Name, "engine", sc.Engine, "cron", sc.Cron)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	server := &http.Server{
		Addr: cfg.Inspect.Addr,
		Handler: inspect.NewRouter(conn, engines, inspect.Options{
			MaxStreams:      cfg.Inspect.MaxStreams,
			MaxStreamsPerIP: cfg.Inspect.MaxStreamsPerIP,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("inspect API listening", "addr", cfg.Inspect.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// builtinEngines constructs the demo graphs, all sharing one connection.
func builtinEngines(conn flowbus.Connection, opts flowbus.Options) map[string]*flowbus.PubSub {
	addOne := func(_ context.Context, v any) (any, error) {
		n, err := asNumber(v)
		if err != nil {
			return nil, err
		}
		return n + 1, nil
	}

	words := flowbus.NewTopic("words")
	splitWords := func(_ context.Context, v any) (any, error) {
		text, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("wordcount input must be a string, got %T", v)
		}
		fields := strings.Fields(strings.ToLower(text))
		out := make([]any, len(fields))
		for i, f := range fields {
			out[i] = strings.Trim(f, ".,;:!?\"'")
		}
		return out, nil
	}
	countWords := func(_ context.Context, v any) (any, error) {
		counts := make(map[string]int)
		for _, w := range v.([]any) {
			counts[w.(string)]++
		}
		return counts, nil
	}

	return map[string]*flowbus.PubSub{
		"arith": flowbus.NewWithOptions(opts, conn,
			flowbus.TopicIn.Subscribe().Then(addOne).Publish(flowbus.TopicOut)),
		"wordcount": flowbus.NewWithOptions(opts, conn,
			flowbus.TopicIn.Subscribe().Then(splitWords).PublishEach(words),
			words.Join().Then(countWords).Publish(flowbus.TopicOut)),
	}
}

// asNumber accepts the numeric types that reach transforms from Go callers
// (int) and from JSON decoding (float64).
func asNumber(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
