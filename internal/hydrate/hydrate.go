package hydrate

import (
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/trainflow/internal/model"
)

// Recognized template tokens. Anything else between braces is left
// literally in place.
const (
	tokenISODate = "{{ISO_DATE}}"
	tokenYear    = "{{YEAR}}"
	tokenMonth   = "{{MONTH}}"
	tokenDay     = "{{DAY}}"
	tokenDate    = "{{DATE}}"
)

// Hydrate expands a job template's placeholder tokens into concrete jobs
// for a specific date. It walks id, name and every string value reachable
// inside the config tree; non-string values pass through unchanged. The
// returned jobs are deep copies, the template is never mutated.
//
// A job id that does not already carry the date at the backfill's
// granularity is suffixed with the compact date so the same template
// produces non-colliding ids across dates.
func Hydrate(jobs []model.JobConfig, date time.Time, interval model.Interval) []model.JobConfig {
	r := replacerFor(date, interval)
	suffix := FormatJobSuffix(date, interval)
	dayStamp := ""
	if interval != model.IntervalHour {
		dayStamp = date.Format("2006-01-02")
	}

	hydrated := make([]model.JobConfig, len(jobs))
	for i, job := range jobs {
		out := job
		out.ID = hydrateID(job.ID, r, suffix, dayStamp)
		out.Name = r.Replace(job.Name)
		out.DependsOn = make([]string, len(job.DependsOn))
		for j, dep := range job.DependsOn {
			out.DependsOn[j] = hydrateID(dep, r, suffix, dayStamp)
		}
		out.Requires = append([]string(nil), job.Requires...)
		if job.Config != nil {
			out.Config = hydrateValue(job.Config, r).(map[string]interface{})
		}
		hydrated[i] = out
	}
	return hydrated
}

func replacerFor(date time.Time, interval model.Interval) *strings.Replacer {
	return strings.NewReplacer(
		tokenISODate, date.Format("2006-01-02"),
		tokenYear, fmt.Sprintf("%04d", date.Year()),
		tokenMonth, fmt.Sprintf("%02d", int(date.Month())),
		tokenDay, fmt.Sprintf("%02d", date.Day()),
		tokenDate, FormatJobSuffix(date, interval),
	)
}

// hydrateID substitutes tokens in a job id and guarantees per-date
// uniqueness. A coarse token alone ({{YEAR}} on a daily backfill) does
// not keep ids disjoint across dates, so the compact date is appended
// unless the hydrated id already contains the date at the backfill's
// granularity: the compact suffix itself, or an ISO day when the
// interval is daily or coarser.
func hydrateID(id string, r *strings.Replacer, suffix, dayStamp string) string {
	replaced := r.Replace(id)
	if strings.Contains(replaced, suffix) {
		return replaced
	}
	if dayStamp != "" && strings.Contains(replaced, dayStamp) {
		return replaced
	}
	return replaced + "-" + suffix
}

// hydrateValue recursively walks an arbitrary config tree, substituting
// tokens in every string leaf. Maps and slices are copied, scalars pass
// through as-is.
func hydrateValue(v interface{}, r *strings.Replacer) interface{} {
	switch val := v.(type) {
	case string:
		return r.Replace(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = hydrateValue(inner, r)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = hydrateValue(inner, r)
		}
		return out
	default:
		return val
	}
}
