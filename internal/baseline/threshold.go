package baseline

import (
	"fmt"

	"github.com/t77yq/trainflow/internal/model"
)

// evaluate applies a baseline's threshold policy to an observed value and
// reports whether the observation is a regression. The switch is
// exhaustive over model.ThresholdType; an unknown type is an error rather
// than a silently-passing comparison.
func evaluate(b *model.Baseline, observed float64) (bool, error) {
	switch b.ThresholdType {
	case model.ThresholdDelta:
		// Drop larger than the tolerated delta. Higher is better.
		return observed < b.BaselineValue-b.ThresholdValue, nil
	case model.ThresholdMin:
		// ThresholdValue reserved for a future absolute floor offset.
		return observed < b.BaselineValue, nil
	case model.ThresholdMax:
		// Lower is better; anything above the baseline regresses.
		return observed > b.BaselineValue, nil
	case model.ThresholdRatio:
		if b.BaselineValue == 0 {
			return false, fmt.Errorf("ratio baseline for %s has zero baseline value", b.MetricName)
		}
		return observed/b.BaselineValue < 1-b.ThresholdValue, nil
	default:
		return false, fmt.Errorf("unsupported threshold type: %q", b.ThresholdType)
	}
}

// regressionMessage renders the human-readable line appended to
// failures or warnings.
func regressionMessage(b *model.Baseline, observed float64) string {
	switch b.ThresholdType {
	case model.ThresholdMax:
		return fmt.Sprintf("%s: observed %.4f exceeds baseline %.4f (%s/%s)",
			b.MetricName, observed, b.BaselineValue, b.ThresholdType, b.Severity)
	case model.ThresholdRatio:
		return fmt.Sprintf("%s: observed %.4f dropped more than %.0f%% below baseline %.4f (%s/%s)",
			b.MetricName, observed, b.ThresholdValue*100, b.BaselineValue, b.ThresholdType, b.Severity)
	default:
		return fmt.Sprintf("%s: observed %.4f below baseline %.4f with tolerance %.4f (%s/%s)",
			b.MetricName, observed, b.BaselineValue, b.ThresholdValue, b.ThresholdType, b.Severity)
	}
}
