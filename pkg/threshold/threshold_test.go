package threshold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/contextguard/pkg/faults"
)

func TestDefaultsAreValid(t *testing.T) {
	for class, p := range Defaults() {
		assert.NoError(t, p.Validate(), "class %s", class)
	}
}

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{"valid", Profile{60, 75, 85, 92}, false},
		{"emergency at 100", Profile{60, 75, 85, 100}, false},
		{"zero warning", Profile{0, 75, 85, 92}, true},
		{"equal thresholds", Profile{60, 60, 85, 92}, true},
		{"descending", Profile{90, 80, 70, 60}, true},
		{"over 100", Profile{60, 75, 85, 101}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProfile_Classify(t *testing.T) {
	p := Defaults()["medium"]

	tests := []struct {
		percent float64
		want    Status
	}{
		{0, StatusNormal},
		{59.9, StatusNormal},
		{60, StatusWarning},
		{75, StatusOptimize},
		{85, StatusCritical},
		{92, StatusEmergency},
		{92.5, StatusEmergency},
		{130, StatusEmergency},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Classify(tt.percent), "percent %v", tt.percent)
	}
}

func TestProfile_ClassifyMonotone(t *testing.T) {
	for class, p := range Defaults() {
		prev := StatusNormal
		for pct := 0.0; pct <= 110; pct += 0.5 {
			got := p.Classify(pct)
			if got.Rank() < prev.Rank() {
				t.Fatalf("%s: status dropped from %s to %s at %v%%", class, prev, got, pct)
			}
			prev = got
		}
	}
}

func TestRegistry_LookupFallsBack(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, Defaults()["complex"], r.Lookup("complex"))
	assert.Equal(t, Defaults()[DefaultClass], r.Lookup("unknown-class"))
	assert.False(t, r.Has("unknown-class"))
	assert.Contains(t, r.Classes(), "parallel")
}

func TestRegistry_RegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry()

	err := r.Register("bad", Profile{80, 70, 60, 50})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrConfiguration)
	assert.True(t, faults.IsFatal(err))
	assert.False(t, r.Has("bad"))
}

func TestRegistry_LoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.yaml")
	content := `
research:
  warning: 40
  optimize: 55
  critical: 70
  emergency: 85
simple:
  warning: 72
  optimize: 82
  critical: 91
  emergency: 96
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	r := NewRegistry()
	require.NoError(t, r.LoadYAML(path))

	assert.Equal(t, Profile{40, 55, 70, 85}, r.Lookup("research"))
	assert.Equal(t, Profile{72, 82, 91, 96}, r.Lookup("simple"))
}

func TestRegistry_LoadYAMLInvalidLeavesRegistryUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.yaml")
	content := `
good:
  warning: 40
  optimize: 55
  critical: 70
  emergency: 85
broken:
  warning: 90
  optimize: 55
  critical: 70
  emergency: 85
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	r := NewRegistry()
	err := r.LoadYAML(path)
	assert.ErrorIs(t, err, faults.ErrConfiguration)
	assert.False(t, r.Has("good"))
}
