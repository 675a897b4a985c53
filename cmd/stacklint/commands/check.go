package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stacklint/stacklint/pkg/engine"
	"github.com/stacklint/stacklint/pkg/report"
	"github.com/stacklint/stacklint/pkg/rules"
	"github.com/stacklint/stacklint/pkg/stores"
	"github.com/stacklint/stacklint/pkg/telemetry"
	"github.com/stacklint/stacklint/pkg/template"
)

func newCheckCommand() *cobra.Command {
	var (
		params        []string
		pseudoValues  []string
		format        string
		threshold     string
		strict        bool
		maxParallel   int
		timeout       time.Duration
		historyPath   string
		watch         bool
		regoFiles     []string
		starlarkFiles []string
		tagKeys       []string
		metricsListen string
		traceExporter string
		traceEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "check <template>",
		Short: "Evaluate compliance rules against a template",
		Long: `Evaluate the rule catalog against a declarative infrastructure template.

The template is parsed, its expressions are resolved under the given
parameter bindings, and every applicable rule runs against every entity
in dependency order. Findings never fail the process unless they reach
the severity threshold.`,
		Example: `  # Check a template with default bindings
  stacklint check stack.yaml

  # Bind parameters and fail on high findings
  stacklint check --param Env=prod --threshold high stack.yaml

  # Re-evaluate on every change
  stacklint check --watch stack.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			outFormat, err := report.ParseFormat(format)
			if err != nil {
				return err
			}

			var gate engine.Severity
			if threshold != "" {
				gate = engine.Severity(threshold)
				if !gate.Valid() {
					return fmt.Errorf("unknown severity threshold: %s", threshold)
				}
			}

			bindings, err := parseKVValues(params)
			if err != nil {
				return fmt.Errorf("invalid --param: %w", err)
			}
			pseudo, err := parseKVValues(pseudoValues)
			if err != nil {
				return fmt.Errorf("invalid --pseudo: %w", err)
			}

			reg, err := buildRegistry(cmd.Context(), regoFiles, starlarkFiles, tagKeys)
			if err != nil {
				return err
			}

			tcfg := telemetry.DefaultConfig()
			tcfg.Metrics.Enabled = metricsListen != ""
			tcfg.Metrics.ListenAddress = metricsListen
			tcfg.Tracing.Enabled = traceExporter != "" && traceExporter != "none"
			tcfg.Tracing.Exporter = traceExporter
			if traceEndpoint != "" {
				tcfg.Tracing.Endpoint = traceEndpoint
			}
			if err := tcfg.Validate(); err != nil {
				return err
			}

			metrics, err := telemetry.NewMetrics(tcfg.Metrics)
			if err != nil {
				return err
			}
			if err := metrics.StartMetricsServer(); err != nil {
				return err
			}
			tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracer.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush traces")
				}
			}()

			run := func(ctx context.Context) (*report.Report, error) {
				return runCheck(ctx, checkConfig{
					path:        path,
					strict:      strict,
					bindings:    bindings,
					pseudo:      pseudo,
					registry:    reg,
					format:      outFormat,
					maxParallel: maxParallel,
					timeout:     timeout,
					historyPath: historyPath,
					metrics:     metrics,
					tracer:      tracer,
				})
			}

			if watch {
				return watchAndCheck(cmd.Context(), path, run)
			}

			rep, err := run(cmd.Context())
			if err != nil {
				return err
			}
			if threshold != "" && rep.ExceedsThreshold(gate) {
				return fmt.Errorf("findings at or above %s severity", gate)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter binding as Name=Value (repeatable)")
	cmd.Flags().StringArrayVar(&pseudoValues, "pseudo", nil, "deploy-context value as Name=Value (repeatable)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "report format (text, json)")
	cmd.Flags().StringVar(&threshold, "threshold", "", "fail when findings reach this severity (critical, high, medium, low)")
	cmd.Flags().BoolVar(&strict, "strict", false, "reject templates with unknown sections or properties")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "maximum concurrent entity evaluations")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall evaluation deadline (0 means none)")
	cmd.Flags().StringVar(&historyPath, "history", "", "SQLite database for findings history")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-evaluate whenever the template changes")
	cmd.Flags().StringArrayVar(&regoFiles, "rego-rule", nil, "additional Rego rule file (repeatable)")
	cmd.Flags().StringArrayVar(&starlarkFiles, "starlark-rule", nil, "additional Starlark rule file (repeatable)")
	cmd.Flags().StringSliceVar(&tagKeys, "required-tags", nil, "override the mandatory tag keys")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "expose Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP trace collector endpoint")

	return cmd
}

type checkConfig struct {
	path        string
	strict      bool
	bindings    map[string]interface{}
	pseudo      map[string]interface{}
	registry    *engine.Registry
	format      report.Format
	maxParallel int
	timeout     time.Duration
	historyPath string
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
}

func runCheck(ctx context.Context, cfg checkConfig) (*report.Report, error) {
	data, err := os.ReadFile(cfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}

	parseCtx, parseSpan := cfg.tracer.StartParseSpan(ctx, cfg.path)
	parser := template.NewParser(template.WithStrict(cfg.strict))
	tpl, err := parser.Parse(data)
	if err != nil {
		cfg.metrics.RecordParseFailure()
		telemetry.RecordError(parseSpan, err)
		parseSpan.End()
		return nil, fmt.Errorf("failed to parse %s: %w", cfg.path, err)
	}
	telemetry.RecordSuccess(parseSpan)
	parseSpan.End()
	ctx = parseCtx

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	evalCtx, evalSpan := cfg.tracer.StartEvaluationSpan(ctx, cfg.path)
	result, err := engine.Evaluate(evalCtx, tpl, cfg.registry, engine.Options{
		Bindings:    cfg.bindings,
		Pseudo:      cfg.pseudo,
		MaxParallel: cfg.maxParallel,
		Logger:      log.Logger,
	})
	if err != nil {
		telemetry.RecordError(evalSpan, err)
		evalSpan.End()
		return nil, err
	}
	telemetry.RecordFingerprint(evalSpan, result.Fingerprint)
	telemetry.RecordSuccess(evalSpan)
	evalSpan.End()
	cfg.metrics.ObserveEvaluation(result)

	rep := report.New(cfg.path, result)
	if err := rep.Render(os.Stdout, cfg.format); err != nil {
		return nil, err
	}

	if cfg.historyPath != "" {
		if err := saveToHistory(ctx, cfg.historyPath, rep); err != nil {
			log.Warn().Err(err).Msg("Failed to record run in history")
		}
	}

	return rep, nil
}

func saveToHistory(ctx context.Context, path string, rep *report.Report) error {
	store, err := stores.NewHistoryStore(stores.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Open(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	return store.SaveReport(ctx, rep)
}

// watchAndCheck re-runs the evaluation whenever the template file
// changes. Watching the parent directory survives editors that replace
// the file on save.
func watchAndCheck(ctx context.Context, path string, run func(context.Context) (*report.Report, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	if _, err := run(ctx); err != nil {
		log.Error().Err(err).Msg("Evaluation failed")
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			log.Info().Str("template", path).Msg("Template changed, re-evaluating")
			if _, err := run(ctx); err != nil {
				log.Error().Err(err).Msg("Evaluation failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		}
	}
}

func buildRegistry(ctx context.Context, regoFiles, starlarkFiles, tagKeys []string) (*engine.Registry, error) {
	reg := engine.NewRegistry()
	for _, r := range rules.Builtin() {
		if r.ID == "required-tags" && len(tagKeys) > 0 {
			r = rules.RequiredTags(tagKeys...)
		}
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}

	for _, file := range regoFiles {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read rego rule: %w", err)
		}
		rule, err := rules.NewRegoRule(ctx, ruleIDFromPath(file), engine.SeverityMedium, nil, string(src))
		if err != nil {
			return nil, err
		}
		if err := reg.Register(rule.Rule()); err != nil {
			return nil, err
		}
	}

	for _, file := range starlarkFiles {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read starlark rule: %w", err)
		}
		rule, err := rules.NewStarlarkRule(ruleIDFromPath(file), engine.SeverityMedium, nil, string(src), 0)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(rule.Rule()); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func ruleIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func parseKVValues(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected Name=Value, got %q", pair)
		}
		out[key] = value
	}
	return out, nil
}
