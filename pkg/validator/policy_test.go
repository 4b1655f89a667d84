package validator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPolicyOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_transfer: 5000\nmin_unused_days: 60\n"), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, "5000", p.MaxTransfer.String())
	assert.Equal(t, 60, p.MinUnusedDays)
	// Untouched fields keep their defaults.
	assert.Equal(t, "1", p.MinTransfer.String())
	assert.Equal(t, "100", p.MinInvestment.String())
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
