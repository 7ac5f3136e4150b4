package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/flowrunner/internal/domain"
)

func TestMissingDependencies(t *testing.T) {
	specs := []domain.JobSpec{
		{ID: "a", Dependencies: nil},
		{ID: "b", Dependencies: []string{"a", "ghost"}},
	}
	errs := MissingDependencies(specs)
	require.Len(t, errs, 1)
	var missing domain.MissingDependencyError
	require.ErrorAs(t, errs[0], &missing)
	assert.Equal(t, "b", missing.JobID)
	assert.Equal(t, "ghost", missing.DependencyID)
}

func TestDetectCycleNone(t *testing.T) {
	specs := []domain.JobSpec{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a", "b"}},
	}
	assert.Nil(t, DetectCycle(specs))
}

func TestDetectCycleDirect(t *testing.T) {
	specs := []domain.JobSpec{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}
	cyc := DetectCycle(specs)
	require.NotNil(t, cyc)
	assert.Contains(t, cyc.Cycle, "a")
	assert.Contains(t, cyc.Cycle, "b")
}

func TestDetectCycleTransitive(t *testing.T) {
	specs := []domain.JobSpec{
		{ID: "a", Dependencies: []string{"c"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	}
	cyc := DetectCycle(specs)
	require.NotNil(t, cyc)
	assert.Len(t, cyc.Cycle, 4)
}

func TestValidatePrefersMissingDependencyOverCycle(t *testing.T) {
	specs := []domain.JobSpec{
		{ID: "a", Dependencies: []string{"ghost"}},
	}
	err := Validate(specs)
	require.Error(t, err)
	var cfgErr domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestValidateOK(t *testing.T) {
	specs := []domain.JobSpec{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
	}
	assert.NoError(t, Validate(specs))
}
