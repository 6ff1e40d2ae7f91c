// Command atlas runs the personal-ops coordination service: HTTP task
// intake, monitor scheduling, approval callbacks and the self-coding
// pipeline behind one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/atlasops/atlas/api"
	"github.com/atlasops/atlas/core"
	"github.com/atlasops/atlas/decision"
	"github.com/atlasops/atlas/orchestration"
	"github.com/atlasops/atlas/resilience"
	"github.com/atlasops/atlas/routing"
	"github.com/atlasops/atlas/selfcode"
	"github.com/atlasops/atlas/telemetry"
	"github.com/atlasops/atlas/workers"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "atlas",
		Short:        "Personal-ops agent coordination service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "atlas "+version)
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		configFile string
		port       int
		sandbox    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination service",
		RunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; env vars win over it either way.
			_ = godotenv.Load()

			opts := []core.Option{}
			if configFile != "" {
				opts = append(opts, core.WithConfigFile(configFile))
			}
			if cmd.Flags().Changed("port") {
				opts = append(opts, core.WithPort(port))
			}
			if cmd.Flags().Changed("sandbox") {
				opts = append(opts, core.WithExecutorSandbox(sandbox))
			}

			config, err := core.NewConfig(opts...)
			if err != nil {
				return fmt.Errorf("configuration failed: %w", err)
			}
			return serve(config)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to YAML config file")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().BoolVar(&sandbox, "sandbox", true, "run generated code in sandbox mode")
	return cmd
}

func serve(config *core.Config) error {
	logger := core.NewProductionLogger(config.Name)

	var tel core.Telemetry = &core.NoOpTelemetry{}
	var otelProvider *telemetry.OTelProvider
	if config.Telemetry.Enabled {
		provider, err := telemetry.NewOTelProvider(config.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("telemetry init failed: %w", err)
		}
		otelProvider = provider
		tel = provider
	}

	// Notifier, with retry for transient failures and a breaker so a dead
	// webhook cannot pile up requests.
	var notifier core.Notifier = &core.NoOpNotifier{}
	if config.Notifier.WebhookURL != "" {
		var notifierOpts []orchestration.WebhookNotifierOption
		notifierOpts = append(notifierOpts,
			orchestration.WithNotifierTimeout(config.Notifier.Timeout),
			orchestration.WithNotifierLogger(logger))
		if config.Resilience.Retry.MaxAttempts > 1 {
			notifierOpts = append(notifierOpts, orchestration.WithNotifierRetry(&resilience.RetryConfig{
				MaxAttempts:   config.Resilience.Retry.MaxAttempts,
				InitialDelay:  config.Resilience.Retry.InitialDelay,
				MaxDelay:      config.Resilience.Retry.MaxDelay,
				BackoffFactor: config.Resilience.Retry.BackoffFactor,
				JitterEnabled: config.Resilience.Retry.JitterEnabled,
			}))
		}
		if config.Resilience.CircuitBreaker.Enabled {
			notifierOpts = append(notifierOpts, orchestration.WithNotifierCircuitBreaker(
				resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
					Name:             "notifier",
					FailureThreshold: config.Resilience.CircuitBreaker.Threshold,
					RecoveryTimeout:  config.Resilience.CircuitBreaker.Timeout,
					HalfOpenRequests: config.Resilience.CircuitBreaker.HalfOpenRequests,
					Logger:           logger,
				})))
		}
		notifier = orchestration.NewWebhookNotifier(config.Notifier.WebhookURL, notifierOpts...)
	}

	// Workers
	registry := core.NewWorkerRegistry()
	registry.SetLogger(logger)

	executor := selfcode.NewSafeExecutor(
		selfcode.WithSandbox(config.Executor.Sandbox),
		selfcode.WithExecTimeout(config.Executor.Timeout),
		selfcode.WithMaxMemoryMB(config.Executor.MaxMemoryMB),
		selfcode.WithMaxOutputLines(config.Executor.MaxOutputLines),
		selfcode.WithWorkDir(config.Executor.WorkDir),
		selfcode.WithExecutorLogger(logger),
	)
	defer executor.Cleanup()

	pipeline := selfcode.NewPipeline(executor,
		selfcode.WithPipelineLogger(logger),
		selfcode.WithPipelineTelemetry(tel))

	// Alert dedupe state for the security worker.
	alertMemory := core.NewMemoryStore()
	alertMemory.SetLogger(logger)

	builtins := []core.Worker{
		workers.NewServerMonitorWorker(localMetricsProbe),
		workers.NewSecurityWorker(localAuthLogSource,
			workers.WithSecurityMemory(alertMemory)),
		workers.NewCommunicationWorker(notifier),
		workers.NewCodeMetaWorker(pipeline),
	}
	for _, w := range builtins {
		if bw, ok := w.(interface{ SetLogger(core.Logger) }); ok {
			bw.SetLogger(logger)
		}
		if bw, ok := w.(interface{ SetTelemetry(core.Telemetry) }); ok {
			bw.SetTelemetry(tel)
		}
		if err := registry.Register(w); err != nil {
			return fmt.Errorf("worker registration failed: %w", err)
		}
	}

	// Decision matrix and router
	var aggregator decision.Aggregator = decision.MeanAggregator{}
	if config.Decision.Aggregator == "geometric" {
		aggregator = decision.GeometricAggregator{RiskTolerance: config.Decision.RiskTolerance}
	}
	matrix := decision.NewMatrix(
		decision.WithAggregator(aggregator),
		decision.WithGate(config.Decision.ConfidenceThreshold, config.Decision.RiskTolerance),
		decision.WithMatrixLogger(logger),
		decision.WithMatrixTelemetry(tel),
	)
	router := routing.NewRouter(config.Routing.Categories, routing.WithRouterLogger(logger))

	// Optional Redis approval snapshots
	var store orchestration.ApprovalStore
	if config.Redis.Enabled && config.Redis.URL != "" {
		redisStore, err := orchestration.NewRedisApprovalStore(config.Redis.URL,
			orchestration.WithApprovalStoreLogger(logger),
			orchestration.WithApprovalStoreKeyPrefix(config.Redis.KeyPrefix))
		if err != nil {
			return fmt.Errorf("redis approval store init failed: %w", err)
		}
		defer redisStore.Close()
		store = redisStore
	}

	coordinator := orchestration.NewCoordinator(registry, matrix, router, config.Audit.MaxHistory,
		orchestration.WithCoordinatorNotifier(notifier),
		orchestration.WithCoordinatorLogger(logger),
		orchestration.WithCoordinatorTelemetry(tel),
		orchestration.WithCoordinatorApprovalStore(store),
		orchestration.WithApprovalDefaults(config.Approval.DefaultTimeout, config.Approval.AutoExecuteOnTimeout),
	)

	// Monitors
	scheduler := orchestration.NewMonitorScheduler(config.Monitors, coordinator, logger)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scheduler.Start(runCtx); err != nil {
		return fmt.Errorf("monitor scheduler start failed: %w", err)
	}

	server := api.NewServer(config, coordinator, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info("Service started", map[string]interface{}{
		"version":  version,
		"port":     config.Port,
		"workers":  registry.Len(),
		"monitors": len(config.Monitors),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", map[string]interface{}{
			"signal": sig.String(),
		})
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	// Drain order: stop intake first, then the monitor loops, then the
	// listener.
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("Coordinator shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("Monitor drain failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if otelProvider != nil {
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	logger.Info("Service stopped", nil)
	return nil
}

// localMetricsProbe samples coarse host metrics from procfs. Deployments
// monitoring remote hosts inject their own probe.
func localMetricsProbe(ctx context.Context) (map[string]float64, error) {
	metrics := map[string]float64{}

	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		var load float64
		if _, err := fmt.Sscanf(string(data), "%f", &load); err == nil {
			metrics["load"] = load
		}
	}
	// Disk and memory need platform-specific syscalls; the built-in probe
	// reports what procfs offers and leaves the rest to injected probes.
	return metrics, nil
}

// localAuthLogSource reads the tail of the local auth log when present.
func localAuthLogSource(ctx context.Context) ([]string, error) {
	const tailLines = 500
	for _, path := range []string{"/var/log/auth.log", "/var/log/secure"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if len(lines) > tailLines {
			lines = lines[len(lines)-tailLines:]
		}
		return lines, nil
	}
	return nil, nil
}
