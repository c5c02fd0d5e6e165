package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"gateline/internal/app"
	"gateline/internal/config"
	"gateline/internal/dag"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/events"
	"gateline/internal/gate"
	"gateline/internal/server"
	"gateline/internal/telemetry"
	gatelinesdk "gateline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "gateline CLI",
	Long: `gateline checks an agent's proposed change against validation gates before it lands.
- Run: one attempt to land a change in a project directory. PENDING -> RUNNING -> PASSED/FAILED/ABORTED.
- Manifest: the files the change creates, modifies or deletes, plus the test file that covers it.
- Gates: numbered groups of validators. A failing hard-block validator halts the run at its gate.
- Bypass: lets a named validator's failure pass for one run.
- Work document: items with dependencies, executed in parallel batches (gl apply).
- Event log: persisted pipeline events and the projected state (gl log tail, gl state show).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(viper.GetString("log-level"))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprint("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/gateline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage gateline.yml"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default gateline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if projectID == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				projectID = filepath.Base(abs)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project id (default: workspace directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Println(color.New(color.FgGreen).Sprint("OK"), path)
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	var manifestPath, projectPath, baseRef, targetRef string
	var bypass []string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the validation gates against a change manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := app.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(projectPath)
			if err != nil {
				return err
			}
			return withEngine(func(e engine.Engine) error {
				ctx := cmd.Context()
				run, err := e.RequestRun(ctx, engine.RunRequest{ProjectPath: abs, BaseRef: baseRef, TargetRef: targetRef, Manifest: &m})
				if err != nil {
					return err
				}
				for _, code := range bypass {
					if _, err := e.Bypass(ctx, run.ID, code); err != nil {
						return err
					}
				}
				res, err := e.RunGates(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(map[string]any{"run_id": run.ID, "result": res}); err != nil {
						return err
					}
				} else {
					printGateResult(run.ID, res)
				}
				if res.Status == domain.StatusFailed {
					return fmt.Errorf("run %s blocked at gate %d", run.ID, res.HaltedAt)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "change manifest (YAML or JSON)")
	cmd.Flags().StringVarP(&projectPath, "project", "p", ".", "project directory")
	cmd.Flags().StringVar(&baseRef, "base-ref", "", "base ref of the change")
	cmd.Flags().StringVar(&targetRef, "target-ref", "", "target ref of the change")
	cmd.Flags().StringSliceVar(&bypass, "bypass", nil, "validator codes to bypass")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func printGateResult(runID string, res gate.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Gate", "Validator", "Status", "Hard", "Message"})
	for _, v := range res.Validators {
		status := statusColor(v.Status)
		if v.Bypassed {
			status += " (bypassed)"
		}
		hard := ""
		if v.IsHardBlock {
			hard = "yes"
		}
		tw.AppendRow(table.Row{v.GateNumber, v.ValidatorCode, status, hard, v.Message})
	}
	tw.Render()
	fmt.Printf("run %s: %s\n", runID, statusColor(res.Status))
}

func statusColor(s string) string {
	switch strings.ToUpper(s) {
	case domain.StatusPassed, "COMPLETED":
		return color.New(color.FgGreen).Sprint(s)
	case domain.StatusFailed, domain.RunAborted:
		return color.New(color.FgRed).Sprint(s)
	case domain.StatusWarning, domain.StatusSkipped:
		return color.New(color.FgYellow).Sprint(s)
	case domain.RunRunning:
		return color.New(color.FgBlue).Sprint(s)
	default:
		return s
	}
}

func applyCmd() *cobra.Command {
	var runID, projectPath string
	cmd := &cobra.Command{
		Use:   "apply <document>",
		Short: "Execute a work document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := dag.Load(args[0])
			if err != nil {
				return err
			}
			return withEngine(func(e engine.Engine) error {
				ctx := cmd.Context()
				if !viper.GetBool("json") {
					e.ItemNotifier = progressNotifier{w: os.Stderr}
				}
				if runID == "" {
					abs, err := filepath.Abs(projectPath)
					if err != nil {
						return err
					}
					run, err := e.RequestRun(ctx, engine.RunRequest{ProjectPath: abs})
					if err != nil {
						return err
					}
					runID = run.ID
				}
				res, err := e.ApplyDocument(ctx, runID, doc)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(map[string]any{"run_id": runID, "result": res}); err != nil {
						return err
					}
				} else {
					printApplyResult(runID, doc, res)
				}
				if len(res.Failed) > 0 {
					return fmt.Errorf("%d of %d items failed", len(res.Failed), len(doc.Items))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "existing run id (default: request a new run)")
	cmd.Flags().StringVarP(&projectPath, "project", "p", ".", "project directory for a new run")
	return cmd
}

// progressNotifier prints one line per work item transition.
type progressNotifier struct{ w io.Writer }

func (p progressNotifier) ItemStarted(_ context.Context, it domain.WorkItem) {
	fmt.Fprintf(p.w, "  %s %s\n", color.New(color.FgBlue).Sprint("start"), it.ID)
}

func (p progressNotifier) ItemCompleted(_ context.Context, it domain.WorkItem) {
	fmt.Fprintf(p.w, "  %s %s\n", color.New(color.FgGreen).Sprint("done "), it.ID)
}

func (p progressNotifier) ItemFailed(_ context.Context, it domain.WorkItem, err error) {
	fmt.Fprintf(p.w, "  %s %s: %v\n", color.New(color.FgRed).Sprint("fail "), it.ID, err)
}

func (p progressNotifier) ItemSkipped(_ context.Context, it domain.WorkItem, reason string) {
	fmt.Fprintf(p.w, "  %s %s (%s)\n", color.New(color.FgYellow).Sprint("skip "), it.ID, reason)
}

func printApplyResult(runID string, doc domain.WorkDocument, res engine.ApplyResult) {
	status := map[string]string{}
	for _, id := range res.Completed {
		status[id] = "COMPLETED"
	}
	for _, id := range res.Failed {
		status[id] = domain.StatusFailed
	}
	for _, id := range res.Skipped {
		status[id] = domain.StatusSkipped
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Item", "Depends on", "Status"})
	for _, it := range doc.Items {
		tw.AppendRow(table.Row{it.ID, strings.Join(it.DependsOn, ","), statusColor(status[it.ID])})
	}
	tw.Render()
	fmt.Printf("run %s: %d completed, %d failed, %d skipped\n", runID, len(res.Completed), len(res.Failed), len(res.Skipped))
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Inspect runs"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				runs, err := e.ListRuns(cmd.Context(), strings.ToUpper(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Gate", "Project", "Created"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, statusColor(r.Status), r.CurrentGate, r.ProjectPath, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().IntVar(&limit, "limit", 20, "max runs")
	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its stored results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				run, err := e.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				gates, vals, err := e.Results(cmd.Context(), run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "gates": gates, "validators": vals})
				}
				fmt.Printf("run %s [%s] gate %d\n", run.ID, statusColor(run.Status), run.CurrentGate)
				printGateResult(run.ID, gate.Result{Status: run.Status, Gates: gates, Validators: vals})
				return nil
			})
		},
	})
	return cmd
}

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "state", Short: "Projected pipeline state"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the projected state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				st, err := e.State(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("run %s: %s at %s (%d%%)\n", st.RunID, statusColor(strings.ToUpper(st.Status)), st.Stage, st.Progress)
				if st.Summary != "" {
					fmt.Println(st.Summary)
				}
				return nil
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Persisted pipeline events of a run. Volatile events are streamed only and never appear here.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, stage string
	cmd := &cobra.Command{
		Use:   "tail <run-id>",
		Short: "Tail events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				f := events.Filter{RunID: args[0], Stage: stage}
				if evtType != "" {
					f.Types = strings.Split(evtType, ",")
				}
				evts, err := e.Events(cmd.Context(), f)
				if err != nil {
					return err
				}
				if n > 0 && len(evts) > n {
					evts = evts[len(evts)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Stage", "Level", "Message"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.CreatedAt, evt.EventType, evt.Stage, levelColor(evt.Level), evt.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "comma separated event types")
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	return cmd
}

func levelColor(level string) string {
	switch level {
	case "error":
		return color.New(color.FgRed).Sprint(level)
	case "warn":
		return color.New(color.FgYellow).Sprint(level)
	default:
		return level
	}
}

func watchCmd() *cobra.Command {
	var addr, token string
	var lastID uint64
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run's live stream from a gateline server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadServerEnv()
			if err != nil {
				return err
			}
			if token == "" {
				token = os.Getenv("GATELINE_TOKEN")
			}
			c := gatelinesdk.New(addr)
			c.BasePath = env.BasePath
			c.BearerToken = token
			err = c.Stream(cmd.Context(), args[0], lastID, func(evt gatelinesdk.StreamEvent) error {
				if viper.GetBool("json") {
					fmt.Println(string(evt.Data))
					return nil
				}
				switch evt.Type {
				case "gap":
					fmt.Println(color.New(color.FgYellow).Sprint("-- events were lost before this point --"))
					return nil
				case "lagged":
					fmt.Println(color.New(color.FgYellow).Sprint("-- fell behind, reconnecting --"))
					return nil
				}
				var pe domain.PipelineEvent
				_ = json.Unmarshal(evt.Data, &pe)
				fmt.Printf("%6d  %-28s %s %s\n", evt.ID, evt.Type, levelColor(pe.Level), pe.Message)
				if evt.Type == events.TypeRunPassed || evt.Type == events.TypeRunFailed || evt.Type == events.TypeRunAborted {
					return gatelinesdk.ErrStop
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "server", "http://127.0.0.1:8080", "server URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default $GATELINE_TOKEN)")
	cmd.Flags().Uint64Var(&lastID, "last-event-id", 0, "resume after this stream id")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the HTTP API. Settings come from GATELINE_ADDR, GATELINE_BASE_PATH, GATELINE_JWT_SECRET and GATELINE_OTEL_*.",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadServerEnv()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{ServiceName: "gateline", Enabled: env.OTelEnabled, Endpoint: env.OTelEndpoint})
			if err != nil {
				return fmt.Errorf("setup tracing: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(sctx)
			}()

			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			e, closeDB, err := app.Open(viper.GetString("workspace"), cfg)
			if err != nil {
				return err
			}
			defer closeDB()
			logger := slog.Default()
			if env.JWTSecret == "" {
				logger.Warn("GATELINE_JWT_SECRET is empty; the API is unauthenticated")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: env.BasePath,
				Auth:     server.AuthConfig{JWTSecret: env.JWTSecret, Issuer: env.JWTIssuer},
				Logger:   logger.With("component", "http"),
			})
			if err != nil {
				return err
			}

			go server.NewDispatcher(e.Repo, cfg.Webhooks, logger.With("component", "webhooks")).Run(ctx)
			go sweepReplay(ctx, e, env.SweepEvery)

			srv := &http.Server{Addr: env.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving gateline API on http://%s%s (OpenAPI at %s/openapi.json)\n", env.Addr, env.BasePath, env.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			e.Wait()
			return nil
		},
	}
	return cmd
}

func sweepReplay(ctx context.Context, e engine.Engine, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Hub.Sweep(); n > 0 {
				slog.Debug("replay streams released", "count", n)
			}
		}
	}
}

// --- helpers ---

func resolveConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
}

func withEngine(fn func(engine.Engine) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	e, closeDB, err := app.Open(viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
