// Package plan loads and validates the immutable TestPlan document that
// scripts a harness run.
package plan

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/chaoskit/resilience-harness/pkg/types"
)

// Load reads and validates a TestPlan from a YAML file
func Load(path string) (*types.TestPlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read test plan '%s'", path)
	}
	return Parse(raw)
}

// Parse decodes and validates a TestPlan from YAML bytes
func Parse(raw []byte) (*types.TestPlan, error) {
	testPlan := &types.TestPlan{}
	if err := yaml.UnmarshalStrict(raw, testPlan); err != nil {
		return nil, errors.Wrap(err, "unable to decode test plan")
	}
	if err := Validate(testPlan); err != nil {
		return nil, err
	}
	return testPlan, nil
}

// Validate checks the whole plan and reports every problem found, not just
// the first, so a plan author fixes the document in one pass
func Validate(testPlan *types.TestPlan) error {
	var result *multierror.Error

	if testPlan.Name == "" {
		result = multierror.Append(result, errors.New("plan name is required"))
	}
	if testPlan.Target.Namespace == "" {
		result = multierror.Append(result, errors.New("target namespace is required"))
	}
	if testPlan.Target.AppLabel == "" {
		result = multierror.Append(result, errors.New("target appLabel is required"))
	}

	if testPlan.Profile.PeakUsers <= 0 {
		result = multierror.Append(result, errors.New("profile peakUsers must be positive"))
	}
	if testPlan.Profile.RampRate <= 0 {
		result = multierror.Append(result, errors.New("profile rampRate must be positive"))
	}
	if testPlan.Profile.DurationSec <= 0 {
		result = multierror.Append(result, errors.New("profile durationSec must be positive"))
	}

	if testPlan.SLA.MinAvailability < 0 || testPlan.SLA.MinAvailability > 1 {
		result = multierror.Append(result, errors.New("sla minAvailability must be within [0,1]"))
	}

	seen := map[string]bool{}
	for i, scenario := range testPlan.Scenarios {
		if scenario.ID == "" {
			result = multierror.Append(result, errors.Errorf("scenario[%d]: id is required", i))
			continue
		}
		if seen[scenario.ID] {
			result = multierror.Append(result, errors.Errorf("scenario '%s': duplicate id", scenario.ID))
		}
		seen[scenario.ID] = true

		switch scenario.Kind {
		case types.ProcessKill, types.NodeIsolate, types.NetworkPartition, types.LeaderKill:
		default:
			result = multierror.Append(result, errors.Errorf("scenario '%s': unknown kind '%s'", scenario.ID, scenario.Kind))
		}

		if scenario.ExpectedRecoveryBoundMs <= 0 {
			result = multierror.Append(result, errors.Errorf("scenario '%s': expectedRecoveryBoundMs must be positive", scenario.ID))
		}
		if scenario.Target.LabelSelector == "" {
			result = multierror.Append(result, errors.Errorf("scenario '%s': target labelSelector is required", scenario.ID))
		}
		if scenario.Target.QuorumSensitive && scenario.Target.MinQuorum <= 0 {
			result = multierror.Append(result, errors.Errorf("scenario '%s': quorum-sensitive target needs a positive minQuorum", scenario.ID))
		}
		if scenario.PinnedIndex != nil && *scenario.PinnedIndex < 0 {
			result = multierror.Append(result, errors.Errorf("scenario '%s': pinnedIndex must not be negative", scenario.ID))
		}
		switch scenario.DataLossTolerance {
		case "", types.LossNone, types.LossBounded:
		default:
			result = multierror.Append(result, errors.Errorf("scenario '%s': unknown dataLossTolerance '%s'", scenario.ID, scenario.DataLossTolerance))
		}
	}

	return result.ErrorOrNil()
}
