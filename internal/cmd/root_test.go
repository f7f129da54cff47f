package cmd

import (
	"context"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gobatch/internal/config"
	"github.com/3leaps/gobatch/pkg/jobstore"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2026-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitErrorCarriesCode(t *testing.T) {
	err := exitError(foundry.ExitInvalidArgument, "Bad flag", assert.AnError)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bad flag")
	assert.Contains(t, err.Error(), "(exit code")
}

func TestBuildBackendsFromConfig(t *testing.T) {
	t.Run("none configured", func(t *testing.T) {
		backends, err := buildBackends(context.Background(), &config.Config{})
		require.NoError(t, err)
		assert.Empty(t, backends)
	})

	t.Run("direct only", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Direct.APIKey = "sk-test"
		backends, err := buildBackends(context.Background(), cfg)
		require.NoError(t, err)
		require.Len(t, backends, 1)
		assert.Contains(t, backends, jobstore.BackendDirect)
	})
}

func TestMatchesJob(t *testing.T) {
	rec := &jobstore.JobRecord{JobID: "batch_abc123", Label: "experiment-7"}

	assert.True(t, matchesJob(rec, "batch_*"))
	assert.True(t, matchesJob(rec, "experiment-*"))
	assert.False(t, matchesJob(rec, "prod-*"))
}
