// Package bootstrap assembles providers, the store, tools and sessions from
// configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tally/internal/config"
	"tally/internal/logging"
	"tally/pkg/agent"
	"tally/pkg/prompt"
	"tally/pkg/provider"
	"tally/pkg/provider/completion"
	"tally/pkg/provider/echo"
	"tally/pkg/provider/gemini"
	"tally/pkg/provider/ollama"
	"tally/pkg/provider/openai"
	"tally/pkg/query"
	"tally/pkg/schema"
	"tally/pkg/store"
	"tally/pkg/tool"
	"tally/pkg/tool/builtin"
)

// App holds everything a surface needs to run sessions.
type App struct {
	Config    *config.Config
	Log       *slog.Logger
	Store     *store.Store
	Whitelist *query.Whitelist
	Runner    *query.Runner
	Describer *schema.Describer
	Executor  *tool.Executor
	Providers *provider.Set

	closers []func() error
}

// New opens the store and builds the rest of the application.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	driver, err := store.ParseDriver(cfg.Store.Driver)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, store.Config{
		Driver:          driver,
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		ConnectAttempts: cfg.Store.ConnectAttempts,
		ConnectDelay:    cfg.Store.ConnectDelay,
	}, log)
	if err != nil {
		return nil, errors.New(logging.MaskValues(err.Error(), cfg.Store.DSN))
	}
	app, err := NewWithStore(ctx, cfg, st, log)
	if err != nil {
		st.Close()
		return nil, err
	}
	app.closers = append([]func() error{st.Close}, app.closers...)
	return app, nil
}

// NewWithStore builds the application around an already opened store. The
// caller keeps ownership of st.
func NewWithStore(ctx context.Context, cfg *config.Config, st *store.Store, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	w := cfg.BuildWhitelist()
	runner := query.NewRunner(st, w, query.RunnerConfig{
		RowCap:  cfg.Store.RowCap,
		Timeout: cfg.Store.QueryTimeout,
		Logger:  log.With("component", "query"),
	})
	describer := schema.New(st, w, cfg.Descriptor, log.With("component", "schema"))

	reg := tool.NewRegistry()
	builtin.RegisterAll(reg, runner, w, describer)
	executor := tool.NewExecutor(reg, tool.ExecutorConfig{
		DefaultTimeout: cfg.Agent.ToolTimeout,
		Logger:         log.With("component", "tools"),
	})

	set, closers, err := BuildProviders(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &App{
		Config:    cfg,
		Log:       log,
		Store:     st,
		Whitelist: w,
		Runner:    runner,
		Describer: describer,
		Executor:  executor,
		Providers: set,
		closers:   closers,
	}, nil
}

// BuildProviders constructs every configured provider. Hosted providers without
// an API key are skipped; other construction errors are returned.
func BuildProviders(ctx context.Context, cfg *config.Config, log *slog.Logger) (*provider.Set, []func() error, error) {
	set := provider.NewSet()
	var closers []func() error
	for _, pc := range cfg.Providers {
		m, closer, err := buildProvider(ctx, pc)
		if err != nil {
			if needsKey(pc.Kind) && pc.Secret() == "" {
				log.Debug("provider skipped", "provider", pc.Key, "reason", err.Error())
				continue
			}
			return nil, nil, fmt.Errorf("provider %s: %s", pc.Key, logging.MaskValues(err.Error(), pc.Secret()))
		}
		set.Add(pc.Key, m)
		if closer != nil {
			closers = append(closers, closer)
		}
	}
	for op, key := range cfg.Defaults {
		if _, ok := set.Get(key); !ok {
			log.Warn("default provider unavailable", "operation", op, "provider", key)
			continue
		}
		set.SetDefault(op, key)
	}
	return set, closers, nil
}

func needsKey(kind string) bool {
	return kind == config.KindOpenAI || kind == config.KindGemini
}

func buildProvider(ctx context.Context, pc config.ProviderConfig) (provider.ChatModel, func() error, error) {
	switch pc.Kind {
	case config.KindOllama:
		m, err := ollama.NewChatModel(ollama.Config{
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			Timeout:     pc.Timeout,
			NoTools:     pc.NoTools,
		})
		return m, nil, err
	case config.KindCompletion:
		m, err := completion.NewChatModel(completion.Config{
			Name:        pc.Key,
			APIKey:      pc.Secret(),
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			Timeout:     pc.Timeout,
		})
		return m, nil, err
	case config.KindGemini:
		m, err := gemini.NewChatModel(ctx, gemini.Config{
			APIKey:      pc.Secret(),
			Model:       pc.Model,
			Temperature: pc.Temperature,
			Timeout:     pc.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	case config.KindOpenAI:
		m, err := openai.NewChatModel(openai.Config{
			Name:        pc.Key,
			APIKey:      pc.Secret(),
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			Timeout:     pc.Timeout,
			Referer:     pc.Referer,
			AppName:     pc.AppName,
			Headers:     pc.Headers,
		})
		return m, nil, err
	case config.KindEcho:
		return echo.New(pc.Model), nil, nil
	}
	return nil, nil, provider.NewError(provider.KindConfig, fmt.Sprintf("unknown provider kind %q", pc.Kind))
}

// PromptVars are the placeholders available to the system prompt.
func (a *App) PromptVars() map[string]any {
	return map[string]any{
		"today":   time.Now().Format("2006-01-02"),
		"dialect": a.Store.Dialect().Name(),
		"row_cap": a.Runner.Compiler().RowCap(),
		"tables":  strings.Join(a.Whitelist.TableNames(), ", "),
	}
}

// NewSession starts a conversation. An empty providerKey uses the configured
// defaults.
func (a *App) NewSession(providerKey string) (*agent.Session, error) {
	if providerKey != "" {
		if _, ok := a.Providers.Get(providerKey); !ok {
			return nil, provider.NewError(provider.KindNoProvider, fmt.Sprintf("provider %q is not configured", providerKey))
		}
	}
	return agent.New(agent.Config{
		Providers:     a.Providers,
		ProviderKey:   providerKey,
		Executor:      a.Executor,
		SystemPrompt:  prompt.NewTemplate(a.Config.Agent.SystemPrompt),
		PromptVars:    a.PromptVars(),
		MaxIterations: a.Config.Agent.MaxIterations,
		MaxTokens:     a.Config.Agent.MaxTokens,
		Temperature:   a.Config.Agent.Temperature,
		PrimeTool:     a.Config.Agent.PrimeTool,
		Logger:        a.Log.With("component", "agent"),
	})
}

// Close releases providers and the store.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
