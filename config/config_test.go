package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_PassesValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_EmptyPathIsDefaultPlusOptions(t *testing.T) {
	cfg, err := Load("", WithPolicy(PolicyRR), WithNumCPUs(4))
	require.NoError(t, err)

	want := Default()
	want.Policy = PolicyRR
	want.NumCPUs = 4

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("Load(\"\") mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FileOverlaysOnlyDefinedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skyloft.toml")
	const doc = `
policy = "sqlcbe"
num_cpus = 8

[sq]
num_workers = 6
guaranteed_cpus = 2
preemption_quantum_us = 250
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Policy = PolicySQLCBE
	want.NumCPUs = 8
	want.SQ.NumWorkers = 6
	want.SQ.GuaranteedCPUs = 2
	want.SQ.PreemptionQuantum = 250 * time.Microsecond

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("Load(path) mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_OptionsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skyloft.toml")
	require.NoError(t, os.WriteFile(path, []byte(`policy = "fifo"`), 0o644))

	cfg, err := Load(path, WithPolicy(PolicyCFS))
	require.NoError(t, err)
	assert.Equal(t, PolicyCFS, cfg.Policy)
}

func TestLoad_InvalidFilePathErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate_RejectsUnknownPolicy(t *testing.T) {
	cfg := Default()
	cfg.Policy = "made-up"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPowerOfTwoStackSize(t *testing.T) {
	cfg := Default()
	cfg.StackSize = 300
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsSQWithoutWorkers(t *testing.T) {
	cfg := Default()
	cfg.Policy = PolicySQ
	cfg.SQ.NumWorkers = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsSQLCBEGuaranteedAtOrAboveWorkers(t *testing.T) {
	cfg := Default()
	cfg.Policy = PolicySQLCBE
	cfg.SQ.NumWorkers = 2
	cfg.SQ.GuaranteedCPUs = 2
	assert.Error(t, cfg.Validate())
}
