package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwall/internal/engine"
	"grimm.is/appwall/internal/iprules"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/policydb"
	"grimm.is/appwall/internal/ruleset"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	oldOut, oldErr := Stdout, Stderr
	Stdout, Stderr = &buf, &buf
	t.Cleanup(func() { Stdout, Stderr = oldOut, oldErr })
	return &buf
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "appwall.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunCheck_ValidConfig(t *testing.T) {
	out := captureOutput(t)
	path := writeConfig(t, `
state_dir = "/tmp/appwall"
engine {
  proxy_capacity = 3
}
`)
	require.NoError(t, RunCheck(path, true))
	assert.Contains(t, out.String(), "Configuration valid!")
	assert.Contains(t, out.String(), "proxy_capacity")
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	captureOutput(t)
	assert.Error(t, RunCheck(writeConfig(t, "engine {\n"), false))

	out := captureOutput(t)
	err := RunCheck(writeConfig(t, `logging { level = "loud" }`), false)
	require.Error(t, err)
	assert.Contains(t, out.String(), "logging.level")
}

func TestRunRuleset(t *testing.T) {
	out := captureOutput(t)
	require.NoError(t, RunRuleset(false))
	assert.Contains(t, out.String(), string(ruleset.ExcludedApp))

	out.Reset()
	require.NoError(t, RunRuleset(true))
	var rules []ruleset.Rule
	require.NoError(t, json.Unmarshal(out.Bytes(), &rules))
	assert.Len(t, rules, len(ruleset.All()))
}

func TestRunEval(t *testing.T) {
	t.Setenv("APPWALL_LOG_LEVEL", "")
	dbPath := filepath.Join(t.TempDir(), "policy.db")
	db, err := policydb.Open(dbPath, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, db.PutIPRule(iprules.Rule{UID: 42, IP: "1.2.3.4", Port: 443, Status: iprules.StatusBlock}))
	require.NoError(t, db.Close())

	cfgPath := writeConfig(t, `database = "`+dbPath+`"`)
	out := captureOutput(t)
	err = RunEval(context.Background(), EvalOptions{
		ConfigFile: cfgPath,
		Query:      engine.Query{UID: 42, IP: "1.2.3.4", Port: 443},
		JSON:       true,
	})
	require.NoError(t, err)

	var got engine.Outcome
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, ruleset.IPBlock, got.RuleID)
	assert.Equal(t, "block", got.Verdict.String())
}
