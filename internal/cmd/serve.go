package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/devsisters/checkpoint/internal/cron"
	"github.com/devsisters/checkpoint/internal/dispatcher"
	"github.com/devsisters/checkpoint/internal/ingress"
	"github.com/devsisters/checkpoint/internal/kubeclient"
	"github.com/devsisters/checkpoint/internal/logging"
	"github.com/devsisters/checkpoint/internal/metrics"
	"github.com/devsisters/checkpoint/internal/registry"
	"github.com/devsisters/checkpoint/internal/sandbox"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admission dispatcher (/validate, /mutate, /ping) and the cron runner",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("bind-address", ":8080", "address the admission HTTP seam listens on; TLS termination is an external concern")
	serveCmd.Flags().String("rules-dir", "", "directory of ValidatingRule/MutatingRule/CronPolicy YAML documents to load at startup")
	serveCmd.Flags().Int32("admission-timeout-seconds", int32(sandbox.DefaultAdmissionTimeout.Seconds()), "default timeoutSeconds for ValidatingRule/MutatingRule scripts that don't set their own")
	serveCmd.Flags().Int32("cron-timeout-seconds", int32(sandbox.DefaultCronTimeout.Seconds()), "default timeoutSeconds for CronPolicy scripts that don't set their own")
	serveCmd.Flags().Bool("enable-metrics", false, "record OpenTelemetry counters for dispatch decisions and cron firings (held by an in-process manual reader; no exporter is wired)")
	serveCmd.Flags().String("kubeconfig", "", "path to a kubeconfig file; empty uses the in-cluster config, falling back to the default loading rules")
}

func runServe(cmd *cobra.Command, _ []string) error {
	bindAddress, err := cmd.Flags().GetString("bind-address")
	if err != nil {
		return err
	}
	rulesDir, err := cmd.Flags().GetString("rules-dir")
	if err != nil {
		return err
	}
	enableMetrics, err := cmd.Flags().GetBool("enable-metrics")
	if err != nil {
		return err
	}
	kubeconfigPath, err := cmd.Flags().GetString("kubeconfig")
	if err != nil {
		return err
	}
	admissionTimeoutSeconds, err := cmd.Flags().GetInt32("admission-timeout-seconds")
	if err != nil {
		return err
	}
	cronTimeoutSeconds, err := cmd.Flags().GetInt32("cron-timeout-seconds")
	if err != nil {
		return err
	}

	handler, err := logging.NewHandler(os.Stdout, logLevel)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	logger := slog.New(handler)

	restConfig, err := loadKubeConfig(kubeconfigPath)
	if err != nil {
		return fmt.Errorf("loading kube config: %w", err)
	}

	gateway, err := kubeclient.NewGateway(restConfig)
	if err != nil {
		return fmt.Errorf("building kube read gateway: %w", err)
	}

	var metricsSink *metrics.Metrics
	if enableMetrics {
		metricsSink, err = metrics.New(sdkmetric.NewManualReader())
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := metricsSink.Shutdown(shutdownCtx); serr != nil {
				logger.Error("shutting down metrics", slog.String("error", serr.Error()))
			}
		}()
		logger.Info("metrics enabled")
	}

	host := sandbox.NewHost(logger)
	host.SetDefaultTimeouts(time.Duration(admissionTimeoutSeconds)*time.Second, time.Duration(cronTimeoutSeconds)*time.Second)

	reg := registry.New()
	if rulesDir != "" {
		if err := registry.LoadDir(reg, rulesDir); err != nil {
			return fmt.Errorf("loading rules from %s: %w", rulesDir, err)
		}
	}

	var disp *dispatcher.Dispatcher
	var runner *cron.Runner
	if metricsSink != nil {
		disp = dispatcher.New(host, gateway, metricsSink, logger)
		runner = cron.NewRunner(reg, host, gateway, nil, metricsSink, logger)
	} else {
		disp = dispatcher.New(host, gateway, nil, logger)
		runner = cron.NewRunner(reg, host, gateway, nil, nil, logger)
	}

	eval := newEvaluator(reg, gateway, disp)
	ingressHandler := ingress.NewHandler(eval, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("starting cron runner: %w", err)
	}
	defer runner.Stop()

	server := &http.Server{Addr: bindAddress, Handler: ingressHandler.Routes()}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("admission seam listening", slog.String("address", bindAddress))
		serverErrCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// loadKubeConfig resolves the *rest.Config Checkpoint runs as: an
// explicit kubeconfig path, the in-cluster config, or the default client
// loading rules (KUBECONFIG / ~/.kube/config), in that order.
func loadKubeConfig(path string) (*rest.Config, error) {
	if path != "" {
		return clientcmd.BuildConfigFromFlags("", path)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
}
