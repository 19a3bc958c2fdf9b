package environment

import (
	"strconv"
	"time"

	"github.com/chaoskit/resilience-harness/pkg/types"
)

// HarnessDetails holds every tunable of a harness run, populated from the
// environment with sane defaults so a bare invocation still behaves
type HarnessDetails struct {
	PlanPath            string
	ReportPath          string
	CoordinatorEndpoint string
	MetricsAddr         string

	PollInterval     time.Duration
	SafetyMultiplier int
	DownGrace        time.Duration
	StopTimeout      time.Duration
	MonitorInterval  time.Duration
	CoolDown         time.Duration
	StatsInterval    time.Duration

	PhaseTimeout     time.Duration
	ValidateTimeout  time.Duration
	ProvisionTimeout time.Duration

	RetryAttempts uint
	RetryBase     time.Duration
	RetryCap      time.Duration

	RoleLabel     string
	ScalingMetric string
	ForceDelete   bool
}

// GetENV fetches all the env variables for the harness run
func GetENV(details *HarnessDetails) {
	details.PlanPath = types.Getenv("TEST_PLAN", "plan.yaml")
	details.ReportPath = types.Getenv("REPORT_PATH", "report.json")
	details.CoordinatorEndpoint = types.Getenv("LOADGEN_ENDPOINT", "http://loadgen-coordinator:8089")
	details.MetricsAddr = types.Getenv("METRICS_ADDR", ":8080")

	details.PollInterval = durationMs("POLL_INTERVAL_MS", 1000)
	details.SafetyMultiplier, _ = strconv.Atoi(types.Getenv("SAFETY_MULTIPLIER", "3"))
	details.DownGrace = durationMs("DOWN_GRACE_MS", 30000)
	details.StopTimeout = durationSec("STOP_TIMEOUT", 60)
	details.MonitorInterval = durationSec("MONITOR_INTERVAL", 15)
	details.CoolDown = durationSec("MONITOR_COOL_DOWN", 120)
	details.StatsInterval = durationSec("STATS_INTERVAL", 5)

	details.PhaseTimeout = durationSec("PHASE_TIMEOUT", 1800)
	details.ValidateTimeout = durationSec("VALIDATE_TIMEOUT", 120)
	details.ProvisionTimeout = durationSec("PROVISION_TIMEOUT", 300)

	attempts, _ := strconv.Atoi(types.Getenv("RETRY_ATTEMPTS", "5"))
	details.RetryAttempts = uint(attempts)
	details.RetryBase = durationMs("RETRY_BASE_MS", 500)
	details.RetryCap = durationMs("RETRY_CAP_MS", 8000)

	details.RoleLabel = types.Getenv("ROLE_LABEL", "role")
	details.ScalingMetric = types.Getenv("SCALING_METRIC", "desired_replicas")
	details.ForceDelete = types.Getenv("FORCE_DELETE", "true") == "true"
}

func durationMs(key string, fallback int) time.Duration {
	ms, err := strconv.Atoi(types.Getenv(key, strconv.Itoa(fallback)))
	if err != nil || ms < 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func durationSec(key string, fallback int) time.Duration {
	sec, err := strconv.Atoi(types.Getenv(key, strconv.Itoa(fallback)))
	if err != nil || sec < 0 {
		sec = fallback
	}
	return time.Duration(sec) * time.Second
}
