package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-k/telemetry-analysis-service/internal/app"
	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	"github.com/g-k/telemetry-analysis-service/internal/lifecycle"
)

const testConfig = `
logging:
  level: error
storage:
  path: %DIR%/atmo
lifecycle:
  admins: [%ADMINS%]
  payload_bucket: payload
  scratch_bucket: scratch
  output_bucket: output
compute:
  driver: local
object_store:
  driver: memory
`

func writeConfig(t *testing.T, admins string) string {
	t.Helper()
	dir := t.TempDir()
	body := strings.NewReplacer("%DIR%", dir, "%ADMINS%", admins).Replace(testConfig)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func seedJob(t *testing.T, path string) *jobs.Definition {
	t.Helper()
	ctx := context.Background()
	a, err := app.New(ctx, path, app.WithOffline())
	require.NoError(t, err)
	defer a.Close()

	d, err := a.Lifecycle().CreateJob(ctx, jobs.User{ID: "ana", Name: "Ana"}, lifecycle.JobSpec{
		Identifier:     "ana-telemetry",
		Payload:        jobs.Location{Bucket: "payload", Key: "jobs/ana-telemetry/report.ipynb"},
		ClusterSize:    1,
		Interval:       jobs.Weekly,
		StartDate:      time.Now().Add(24 * time.Hour),
		TimeoutMinutes: 60,
	})
	require.NoError(t, err)
	return d
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// flag values outlive a single Execute
	cfgPath, operatorID = "./config.yaml", ""
	jobsOwner, jobsIncludeGranted, jobsTable, jobsRunsLimit = "", false, false, 20
	identifierExclude = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	err := Execute(context.Background(), args)
	return out.String(), err
}

func TestJobsCommands(t *testing.T) {
	path := writeConfig(t, "ops")
	d := seedJob(t, path)

	out, err := run(t, "jobs", "list", "--config", path)
	require.NoError(t, err)
	var list []jobs.Definition
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "ana-telemetry", list[0].Identifier)

	out, err = run(t, "jobs", "list", "--owner", "bob", "--config", path)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = run(t, "jobs", "list", "--table", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "IDENTIFIER")
	assert.Contains(t, out, "ana-telemetry")

	out, err = run(t, "jobs", "get", d.ID, "--config", path)
	require.NoError(t, err)
	var got jobs.Definition
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, d.ID, got.ID)

	out, err = run(t, "jobs", "runs", d.ID, "--config", path)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	// bob is neither owner nor admin
	_, err = run(t, "jobs", "get", d.ID, "--as", "bob", "--config", path)
	assert.ErrorIs(t, err, jobs.ErrPermissionDenied)
}

func TestIdentifierCheck(t *testing.T) {
	path := writeConfig(t, "ops")
	d := seedJob(t, path)

	out, err := run(t, "identifier", "check", "ana-telemetry", "--config", path)
	require.NoError(t, err)
	var res identifierCheckOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Available)
	assert.Equal(t, "ana-telemetry-1", res.Alternative)

	out, err = run(t, "identifier", "check", "ana-telemetry", "--exclude", d.ID, "--config", path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Available)
}

func TestOperatorRequired(t *testing.T) {
	path := writeConfig(t, "")
	_, err := run(t, "identifier", "check", "anything", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no operator")

	_, err = run(t, "identifier", "check", "anything", "--as", "carol", "--config", path)
	assert.NoError(t, err)
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2026-01-01")
	defer SetVersionInfo("dev", "HEAD", "unknown")

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.2.3","commit":"abc123","build_date":"2026-01-01"}`, out)
}
