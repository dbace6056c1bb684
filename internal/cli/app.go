// Package cli implements the coachctl command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/coach-workflow/config"
	"github.com/songzhibin97/coach-workflow/llm"
	"github.com/songzhibin97/coach-workflow/logging"
	"github.com/songzhibin97/coach-workflow/registry"
	"github.com/songzhibin97/coach-workflow/storage"
)

// ExitError carries a process exit code out of a RunE function.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewExitError returns an ExitError with the given code.
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

// IsExitError extracts the exit code from err when it is an *ExitError.
func IsExitError(err error) (int, bool) {
	if exitErr, ok := err.(*ExitError); ok {
		return exitErr.Code, true
	}
	return 0, false
}

// App holds the dependencies shared by every command. Fields left nil are
// filled from configuration when a command runs.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *registry.Registry

	In  io.Reader
	Out io.Writer
	Err io.Writer

	// NewClient builds the model client; defaults to the HTTP client.
	NewClient func(cfg *config.Config) llm.ChatClient
	// NewLeaser builds the instance leaser and its close func.
	NewLeaser func(cfg *config.Config) (storage.Leaser, func(), error)

	configPath string
}

// NewApp returns an App wired to the process streams.
func NewApp() *App {
	return &App{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// NewRootCommand builds the coachctl command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "coachctl",
		Short: "Run and inspect coaching workflows",
		Long: `coachctl drives the conversational workflow engine from a terminal.

Configuration is read from coach.yaml (or --config) and COACH_* variables,
for example COACH_LLM_API_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init()
		},
	}
	root.PersistentFlags().StringVar(&app.configPath, "config", "", "path to a YAML config file")
	root.SetIn(app.In)
	root.SetOut(app.Out)
	root.SetErr(app.Err)

	root.AddCommand(newDefinitionsCommand(app))
	root.AddCommand(newChatCommand(app))
	return root
}

func (a *App) init() error {
	if a.Config == nil {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.Config = cfg
	}
	if a.Logger == nil {
		logger, err := logging.New(a.Err, a.Config.Log.Level, a.Config.Log.Format)
		if err != nil {
			return err
		}
		a.Logger = logger
	}
	if a.Registry == nil {
		reg, err := a.loadRegistry(a.Config.Definitions.File)
		if err != nil {
			return err
		}
		a.Registry = reg
	}
	if a.NewClient == nil {
		a.NewClient = httpClient
	}
	if a.NewLeaser == nil {
		a.NewLeaser = leaserFromConfig
	}
	return nil
}

func (a *App) loadRegistry(path string) (*registry.Registry, error) {
	opts := []registry.Option{registry.WithSelfManagedModes(a.Config.Definitions.SelfManagedModes...)}
	if path == "" {
		return registry.New(registry.Builtin(), opts...)
	}
	return registry.LoadFile(path, opts...)
}

func httpClient(cfg *config.Config) llm.ChatClient {
	return llm.NewHTTPClient(llm.HTTPOptions{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
}

func leaserFromConfig(cfg *config.Config) (storage.Leaser, func(), error) {
	if cfg.Lease.Backend != "redis" {
		return storage.NewMemoryLeaser(), func() {}, nil
	}
	leaser, err := storage.NewRedisLeaser(storage.RedisOptions{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		IdleTimeout:  cfg.Redis.IdleTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return leaser, func() { _ = leaser.Close() }, nil
}

// Execute runs coachctl and returns the process exit code.
func Execute(ctx context.Context, app *App, args []string) int {
	cmd := NewRootCommand(app)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if code, ok := IsExitError(err); ok {
			return code
		}
		fmt.Fprintln(app.Err, "Error:", err)
		return 1
	}
	return 0
}
