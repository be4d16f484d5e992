package hydrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/trainflow/internal/model"
)

func templateJobs() []model.JobConfig {
	return []model.JobConfig{
		{
			ID:   "extract-{{DATE}}",
			Name: "Extract features for {{ISO_DATE}}",
			Type: "feature_extraction",
			Config: map[string]interface{}{
				"input_path":  "s3://features/{{YEAR}}/{{MONTH}}/{{DAY}}/raw.parquet",
				"sample_rate": 0.25,
				"shuffle":     true,
				"partitions": []interface{}{
					"dt={{ISO_DATE}}",
					map[string]interface{}{"label": "run-{{DATE}}"},
					42,
				},
			},
		},
		{
			ID:        "train",
			Name:      "Train model",
			Type:      "training_container",
			DependsOn: []string{"extract-{{DATE}}"},
			Config: map[string]interface{}{
				"epochs": 10,
			},
		},
	}
}

func TestHydrate(t *testing.T) {
	day := time.Date(2024, time.March, 7, 0, 0, 0, 0, time.UTC)

	t.Run("SubstitutesTokensEverywhere", func(t *testing.T) {
		jobs := Hydrate(templateJobs(), day, model.IntervalDay)
		require.Len(t, jobs, 2)

		assert.Equal(t, "extract-20240307", jobs[0].ID)
		assert.Equal(t, "Extract features for 2024-03-07", jobs[0].Name)
		assert.Equal(t, "s3://features/2024/03/07/raw.parquet", jobs[0].Config["input_path"])

		parts := jobs[0].Config["partitions"].([]interface{})
		assert.Equal(t, "dt=2024-03-07", parts[0])
		assert.Equal(t, "run-20240307", parts[1].(map[string]interface{})["label"])
	})

	t.Run("NonStringValuesPassThrough", func(t *testing.T) {
		jobs := Hydrate(templateJobs(), day, model.IntervalDay)
		assert.Equal(t, 0.25, jobs[0].Config["sample_rate"])
		assert.Equal(t, true, jobs[0].Config["shuffle"])
		assert.Equal(t, 42, jobs[0].Config["partitions"].([]interface{})[2])
	})

	t.Run("TokenlessIDGetsDateSuffix", func(t *testing.T) {
		jobs := Hydrate(templateJobs(), day, model.IntervalDay)
		assert.Equal(t, "train-20240307", jobs[1].ID)
		// Dependency edges follow the same rewrite as the ids they reference.
		assert.Equal(t, []string{"extract-20240307"}, jobs[1].DependsOn)
	})

	t.Run("HourlyGranularityUsesTimeComponent", func(t *testing.T) {
		at := time.Date(2024, time.March, 7, 9, 15, 0, 0, time.UTC)
		jobs := Hydrate(templateJobs(), at, model.IntervalHour)
		assert.Equal(t, "extract-20240307_0915", jobs[0].ID)
	})

	t.Run("DisjointIDsAcrossDates", func(t *testing.T) {
		a := Hydrate(templateJobs(), day, model.IntervalDay)
		b := Hydrate(templateJobs(), day.AddDate(0, 0, 1), model.IntervalDay)

		seen := make(map[string]bool)
		for _, j := range a {
			seen[j.ID] = true
		}
		for _, j := range b {
			assert.False(t, seen[j.ID], "id %s collides across dates", j.ID)
		}
	})

	t.Run("CoarseTokenIDStillGetsDateSuffix", func(t *testing.T) {
		// {{YEAR}} alone cannot distinguish two days of the same year.
		tmpl := []model.JobConfig{{ID: "train-{{YEAR}}", Type: "training_container"}}
		a := Hydrate(tmpl, day, model.IntervalDay)
		b := Hydrate(tmpl, day.AddDate(0, 0, 1), model.IntervalDay)

		assert.Equal(t, "train-2024-20240307", a[0].ID)
		assert.Equal(t, "train-2024-20240308", b[0].ID)
		assert.NotEqual(t, a[0].ID, b[0].ID)
	})

	t.Run("FullyDatedIDNotDoubleSuffixed", func(t *testing.T) {
		jobs := Hydrate([]model.JobConfig{{ID: "extract-{{ISO_DATE}}"}}, day, model.IntervalDay)
		assert.Equal(t, "extract-2024-03-07", jobs[0].ID)
	})

	t.Run("ISODateIDSuffixedOnHourlyBackfill", func(t *testing.T) {
		// An ISO day is not enough to separate two hours of the same day.
		tmpl := []model.JobConfig{{ID: "extract-{{ISO_DATE}}"}}
		a := Hydrate(tmpl, time.Date(2024, time.March, 7, 9, 0, 0, 0, time.UTC), model.IntervalHour)
		b := Hydrate(tmpl, time.Date(2024, time.March, 7, 10, 0, 0, 0, time.UTC), model.IntervalHour)

		assert.Equal(t, "extract-2024-03-07-20240307_0900", a[0].ID)
		assert.NotEqual(t, a[0].ID, b[0].ID)
	})

	t.Run("DeterministicForSameDate", func(t *testing.T) {
		a := Hydrate(templateJobs(), day, model.IntervalDay)
		b := Hydrate(templateJobs(), day, model.IntervalDay)
		assert.Equal(t, a, b)
	})

	t.Run("TemplateIsNotMutated", func(t *testing.T) {
		tmpl := templateJobs()
		Hydrate(tmpl, day, model.IntervalDay)
		assert.Equal(t, templateJobs(), tmpl)
	})

	t.Run("MalformedTokenLeftInPlace", func(t *testing.T) {
		jobs := Hydrate([]model.JobConfig{{
			ID:   "report-{{DATE}}",
			Name: "report for {{UNKNOWN}} and {{ISO_DATE}",
			Type: "metrics_export",
			Config: map[string]interface{}{
				"note": "{{ISO_DATE",
			},
		}}, day, model.IntervalDay)

		assert.Equal(t, "report for {{UNKNOWN}} and {{ISO_DATE}", jobs[0].Name)
		assert.Equal(t, "{{ISO_DATE", jobs[0].Config["note"])
	})
}
