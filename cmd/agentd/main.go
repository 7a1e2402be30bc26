package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradepilot/internal/appinfo"
	"tradepilot/internal/config"
	"tradepilot/internal/endpoint"
	"tradepilot/internal/llm"
	"tradepilot/internal/scheduler"
	"tradepilot/internal/task"
	"tradepilot/internal/taskrunner"
)

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runDaemon(args)
	case "publish":
		err = runPublish(args)
	case "stats":
		err = runStats(args)
	case "version":
		fmt.Println(appinfo.Display())
	default:
		err = fmt.Errorf("unknown command %q (expected run, publish, stats, or version)", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("TRADEPILOT_DEBUG"), "1") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config.yaml")
	fs.Parse(args)

	logger := newLogger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := endpoint.NewManager(logger)
	router := llm.NewRouter(logger, manager)
	registered := registerProviders(cfg, manager, router, logger)
	if registered == 0 {
		logger.Warn("no provider keys found in environment, generations will use the echo fallback")
	}
	router.SetPreference(cfg.Router.Preference)

	store, err := task.NewStore(cfg.Store.Path, logger)
	if err != nil {
		return err
	}

	var bridge *task.RedisBridge
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		bridge, err = task.NewRedisBridge(cfg.Redis.URL, cfg.Redis.Key)
		if err != nil {
			return fmt.Errorf("connect redis bridge: %w", err)
		}
		defer bridge.Close()
		logger.Info("redis bridge connected", "key", cfg.Redis.Key)
	}

	executor := taskrunner.NewExecutor(store, logger)
	executor.PollInterval = cfg.Executor.PollInterval
	executor.BatchSize = cfg.Executor.BatchSize
	if err := executor.Register("ai_call", &taskrunner.AICallHandler{Router: router}); err != nil {
		return err
	}

	sched := scheduler.New(logger)
	err = sched.Add(scheduler.Job{
		Name:     "expired-task-sweep",
		Interval: cfg.Scheduler.CleanupInterval,
		Enabled:  true,
		Run: func(context.Context) error {
			_, err := store.CleanupExpired()
			return err
		},
	})
	if err != nil {
		return err
	}
	if bridge != nil {
		err = sched.Add(scheduler.Job{
			Name:     "monitor-queue-drain",
			Interval: 10 * time.Second,
			Enabled:  true,
			Run:      func(ctx context.Context) error { return drainBridge(ctx, bridge, store, logger) },
		})
		if err != nil {
			return err
		}
	}

	if cfg.Executor.Enabled == nil || *cfg.Executor.Enabled {
		executor.Start(ctx)
		defer executor.Stop()
	}
	if cfg.Scheduler.Enabled == nil || *cfg.Scheduler.Enabled {
		sched.Start(ctx)
		defer sched.Stop()
	}

	logger.Info("agent started", "app", appinfo.Display(), "providers", registered, "store", cfg.Store.Path)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// registerProviders builds one provider per configured endpoint whose API
// key is present, and mirrors each into the endpoint manager so rate limits
// and health counters apply.
func registerProviders(cfg config.Config, manager *endpoint.Manager, router *llm.Router, logger *slog.Logger) int {
	registered := 0
	for _, spec := range cfg.Endpoints {
		key, ok := spec.APIKey()
		if !ok {
			logger.Debug("endpoint skipped, no api key", "endpoint", spec.Name, "env", spec.APIKeyEnv)
			continue
		}
		var provider llm.Provider
		var err error
		switch spec.Kind {
		case config.KindAnthropic:
			provider, err = llm.NewAnthropicProvider(llm.AnthropicOptions{
				Name:    spec.Name,
				APIKey:  key,
				BaseURL: spec.BaseURL,
				Model:   spec.Model,
				Timeout: spec.Timeout,
			})
		default:
			provider, err = llm.NewOpenAIProvider(llm.OpenAIOptions{
				Name:    spec.Name,
				APIKey:  key,
				BaseURL: spec.BaseURL,
				Model:   spec.Model,
				Timeout: spec.Timeout,
			})
		}
		if err != nil {
			logger.Warn("endpoint skipped", "endpoint", spec.Name, "err", err)
			continue
		}
		err = manager.Add(endpoint.Endpoint{
			Name:                 spec.Name,
			BaseURL:              spec.BaseURL,
			APIKey:               key,
			Model:                spec.Model,
			Priority:             spec.Priority,
			MaxRequestsPerMinute: spec.MaxRequestsPerMinute,
			Timeout:              spec.Timeout,
		})
		if err != nil {
			logger.Warn("endpoint skipped", "endpoint", spec.Name, "err", err)
			continue
		}
		router.Register(provider)
		registered++
		logger.Info("provider registered", "endpoint", spec.Name, "model", spec.Model)
	}
	return registered
}

// drainBridge moves remotely delegated tasks from the Redis queue into the
// local durable store.
func drainBridge(ctx context.Context, bridge *task.RedisBridge, store *task.Store, logger *slog.Logger) error {
	for {
		t, err := bridge.Dequeue(ctx)
		if err != nil {
			return err
		}
		if t == nil {
			return nil
		}
		published, err := store.Publish(task.PublishOptions{
			Name:        t.Name,
			Payload:     t.Payload,
			Priority:    t.Priority,
			Tags:        t.Tags,
			Timeout:     t.Timeout,
			DependsOn:   t.DependsOn,
			MaxRetries:  t.MaxRetries,
			CallbackURL: t.CallbackURL,
		})
		if err != nil {
			return err
		}
		logger.Info("remote task imported", "remote_id", t.ID, "id", published.ID)
	}
}

func runPublish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config.yaml")
	name := fs.String("name", "", "task name (handler)")
	payload := fs.String("payload", "{}", "JSON task payload")
	priority := fs.Int("priority", int(task.PriorityNormal), "priority 1..4")
	expiresIn := fs.Duration("expires-in", 0, "relative expiry, 0 means never")
	maxRetries := fs.Int("max-retries", 0, "retry budget, 0 means default")
	callback := fs.String("callback", "", "webhook URL notified on terminal status")
	deps := fs.String("depends-on", "", "comma separated task ids")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	store, err := task.NewStore(cfg.Store.Path, newLogger())
	if err != nil {
		return err
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(*payload), &body); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	var dependsOn []string
	for _, id := range strings.Split(*deps, ",") {
		if id = strings.TrimSpace(id); id != "" {
			dependsOn = append(dependsOn, id)
		}
	}

	t, err := store.Publish(task.PublishOptions{
		Name:        *name,
		Payload:     body,
		Priority:    task.Priority(*priority),
		ExpiresIn:   *expiresIn,
		MaxRetries:  *maxRetries,
		CallbackURL: *callback,
		DependsOn:   dependsOn,
	})
	if err != nil {
		return err
	}
	fmt.Println(t.ID)
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config.yaml")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	store, err := task.NewStore(cfg.Store.Path, newLogger())
	if err != nil {
		return err
	}
	stats, err := store.Stats()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
