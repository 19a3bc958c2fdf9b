package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/chaoskit/resilience-harness/chaoslib"
	"github.com/chaoskit/resilience-harness/pkg/controlplane"
	"github.com/chaoskit/resilience-harness/pkg/controlplane/kubernetes"
	"github.com/chaoskit/resilience-harness/pkg/environment"
	"github.com/chaoskit/resilience-harness/pkg/loadgen"
	"github.com/chaoskit/resilience-harness/pkg/log"
	"github.com/chaoskit/resilience-harness/pkg/monitor"
	"github.com/chaoskit/resilience-harness/pkg/observer"
	"github.com/chaoskit/resilience-harness/pkg/orchestrator"
	"github.com/chaoskit/resilience-harness/pkg/plan"
	"github.com/chaoskit/resilience-harness/pkg/telemetry"
)

func init() {
	// Log as JSON instead of the default ASCII formatter.
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:          true,
		DisableSorting:         true,
		DisableLevelTruncation: true,
	})
}

func main() {

	kubeconfig := flag.String("kubeconfig", "", "path to the kubeconfig, in-cluster config when empty")
	planPath := flag.String("plan", "", "path to the test plan, overrides TEST_PLAN")
	flag.Parse()

	details := environment.HarnessDetails{}
	environment.GetENV(&details)
	if *planPath != "" {
		details.PlanPath = *planPath
	}

	testPlan, err := plan.Load(details.PlanPath)
	if err != nil {
		log.Fatalf("Unable to load the test plan, err: %v", err)
	}
	log.InfoWithValues("Test plan loaded", logrus.Fields{
		"Plan":      testPlan.Name,
		"Scenarios": len(testPlan.Scenarios),
		"PeakUsers": testPlan.Profile.PeakUsers,
	})

	backend, err := kubernetes.NewFromKubeConfig(*kubeconfig, details.RoleLabel, details.ForceDelete)
	if err != nil {
		log.Fatalf("Unable to build the control-plane client, err: %v", err)
	}
	cp := controlplane.NewRetrier(backend, controlplane.RetryConfig{
		Attempts: details.RetryAttempts,
		Base:     details.RetryBase,
		Cap:      details.RetryCap,
	})

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	go serveMetrics(details.MetricsAddr, registry)

	load := loadgen.NewController(details.CoordinatorEndpoint, details.StopTimeout)
	injector := chaoslib.NewEngine(cp, nil)
	recovery := observer.New(observer.Config{
		PollInterval:     details.PollInterval,
		SafetyMultiplier: details.SafetyMultiplier,
		DownGrace:        details.DownGrace,
	})
	scaling := monitor.NewScalingMonitor(cp, controlplane.Selector{
		Namespace:     testPlan.Target.Namespace,
		LabelSelector: testPlan.Target.AppLabel,
	}, details.ScalingMetric, details.MonitorInterval, details.CoolDown, metrics)
	stats := monitor.NewStatsPoller(load, details.StatsInterval, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	harness := orchestrator.New(*testPlan, details, cp, load, injector, recovery, scaling, stats, metrics)
	report := harness.Run(ctx)

	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("Unable to serialize the report, err: %v", err)
	}
	if err := os.WriteFile(details.ReportPath, raw, 0644); err != nil {
		log.Fatalf("Unable to write the report to %v, err: %v", details.ReportPath, err)
	}
	log.InfoWithValues("Run finished", logrus.Fields{
		"RunID":        report.RunID,
		"Passed":       report.Passed,
		"Availability": report.Availability,
		"Report":       details.ReportPath,
	})

	if !report.Passed {
		os.Exit(1)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnf("Metrics endpoint stopped, err: %v", err)
	}
}
