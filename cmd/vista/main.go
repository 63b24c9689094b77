package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"vista/internal/app"
	"vista/internal/config"
	"vista/internal/db"
	"vista/internal/migrate"
	"vista/internal/repo"
	"vista/internal/rules"
	"vista/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vista",
	Short: "VISTA orchestration core",
	Long: `VISTA drives an assistive device: it turns scenes into decisions, decisions
into tasks, and runs task steps on the device while a monitor watches health.
- serve: run the HTTP API with the controller, rule engine and monitor.
- config: write or check the workspace vista.yml.
- task, decide, status, metrics, alerts: talk to a running server.
- log tail: read the audit log, remotely or straight from the workspace database.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VISTA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("jwt-secret", "VISTA_JWT_SECRET")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "API server URL")
	rootCmd.PersistentFlags().String("base-path", "/api", "API base path")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the API")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	for _, name := range []string{"workspace", "json", "server", "base-path", "token", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if viper.IsSet("base-path") {
				cfg.Server.BasePath = viper.GetString("base-path")
			}
			logger := app.NewLogger(os.Stderr, logLevel(cfg), true)
			svc, err := app.Build(cfg, app.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := cmd.Context()
			svc.Start(ctx)
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: logger}
			if !authCfg.Enabled() {
				logger.Warn("VISTA_JWT_SECRET not set; API auth disabled")
			}
			handler, err := server.New(server.Config{Services: svc, BasePath: cfg.Server.BasePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if len(cfg.Webhooks) > 0 && svc.Repo != nil {
				go server.NewWebhookDispatcher(svc.Repo, cfg.Webhooks, logger).Run(ctx)
			}

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("shutdown", "err", err)
				}
			}()
			logger.Info("serving VISTA API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath,
				"openapi", "/openapi.json", "docs", strings.TrimRight(cfg.Server.BasePath, "/")+"/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "vista.yml holds server, monitor, controller, decision, storage, webhook and rule settings. Missing sections keep their defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configCheckCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default vista.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate vista.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			var warnings []string
			if err == nil {
				for _, r := range cfg.Rules {
					if cerr := r.Condition.Validate(); cerr != nil {
						warnings = append(warnings, fmt.Sprintf("rule %s never matches: %v", r.ID, cerr))
					}
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err), "warnings": warnings})
			}
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Println("warning:", w)
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func rulesCmd() *cobra.Command {
	r := &cobra.Command{Use: "rules", Short: "Inspect decision rules"}
	var remote bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List rules by descending priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				return remoteRules(cmd.Context())
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			engine := rules.NewEngine(cliLogger(cfg))
			if err := engine.AddRules(cfg.Rules); err != nil {
				return err
			}
			rs := engine.Rules()
			if viper.GetBool("json") {
				return printJSON(rs)
			}
			tw := newTable("ID", "Action", "Priority", "Condition")
			for _, rule := range rs {
				tw.AppendRow(table.Row{rule.ID, rule.Action, rule.Priority, rule.Condition.String()})
			}
			tw.Render()
			return nil
		},
	}
	list.Flags().BoolVar(&remote, "remote", false, "list the rules loaded in the running server")
	r.AddCommand(list)
	return r
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with VISTA_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueToken(viper.GetString("jwt-secret"), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Read the audit log"}
	l.AddCommand(logTailCmd())
	l.AddCommand(historyCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	var local bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !local {
				return remoteEvents(cmd.Context(), f)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVar(&local, "local", false, "read the workspace database instead of the server")
	return cmd
}

func historyCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List finished tasks from the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Name", "Status", "Progress", "Updated")
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Status, percent(t.Progress), t.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	cfg.Storage.Workspace = storageDir(workspace, cfg.Storage.Workspace)
	return cfg, nil
}

// storageDir resolves a relative storage workspace against the CLI workspace.
func storageDir(workspace, dir string) string {
	if dir == "" {
		return workspace
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workspace, dir)
}

func logLevel(cfg *config.Config) string {
	if lvl := viper.GetString("log-level"); lvl != "" {
		return lvl
	}
	return cfg.Logging.Level
}

func cliLogger(cfg *config.Config) *slog.Logger {
	return app.NewLogger(os.Stderr, logLevel(cfg), false)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := db.Path(cfg.Storage.Workspace)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no audit database at %s; enable storage and run vista serve", path)
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Storage.Workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
