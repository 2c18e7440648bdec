package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

const testFields = `
fields:
  - id: quality_rating
    label: Quality
    type: rating
  - id: description
    type: textarea
    requires_approval: true
  - id: logo_color
    type: select
    population: hybrid
    compliance_relevant: true
    options:
      - {value: blue}
      - {value: red}
`

// env runs commands against one config and data directory.
type env struct {
	t         *testing.T
	configDir string
	dataDir   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("METAFIELD_CONFIG_DIR", "")
	t.Setenv("METAFIELD_DATA_DIR", "")
	return &env{t: t, configDir: filepath.Join(dir, "config"), dataDir: filepath.Join(dir, "data")}
}

func (e *env) run(stdin string, args ...string) (string, error) {
	e.t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config-dir", e.configDir, "--data-dir", e.dataDir}, args...))
	err := root.Execute()
	return out.String(), err
}

func (e *env) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run("", args...)
	require.NoError(e.t, err, out)
	return out
}

func (e *env) importFields() {
	e.t.Helper()
	path := filepath.Join(e.t.TempDir(), "fields.yaml")
	require.NoError(e.t, os.WriteFile(path, []byte(testFields), 0o644))
	out := e.mustRun("fields", "import", path)
	assert.Contains(e.t, out, "Imported 3 field definitions")
}

func TestVersion(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun("version")
	assert.Contains(t, out, "metafield v"+Version)
	_, err := os.Stat(e.configDir)
	assert.True(t, os.IsNotExist(err), "version does not touch the config dir")
}

func TestInitWritesDefaultConfig(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun("init")
	assert.Contains(t, out, "metafield initialized")

	data, err := os.ReadFile(filepath.Join(e.configDir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "backend: sqlite")
	_, err = os.Stat(filepath.Join(e.dataDir, "metafield.db"))
	assert.NoError(t, err)
}

func TestConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("METAFIELD_HTTP_ADDR", ":9999")
	t.Setenv("METAFIELD_AUDIT_RETENTION", "72h")
	cfg, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, "72h0m0s", cfg.Audit.Retention.String())
	assert.Equal(t, types.BackendSQLite, cfg.Backend)
	assert.True(t, cfg.Compliance.Enabled)
	assert.Equal(t, "metafield", cfg.NATS.SubjectPrefix)
}

func TestEditApproveFlow(t *testing.T) {
	e := newEnv(t)
	e.importFields()

	out := e.mustRun("--actor", "alice", "set", "a1", "quality_rating", "4")
	assert.Contains(t, out, "Set a1/quality_rating = 4 (version 1)")

	out = e.mustRun("--actor", "bob", "--json", "set", "a1", "description", "Fresh copy")
	var res engine.EditResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotNil(t, res.Pending)

	out = e.mustRun("review")
	assert.Contains(t, out, res.Pending.ChangeID)

	out = e.mustRun("--actor", "carol", "approve", res.Pending.ChangeID)
	assert.Contains(t, out, "Approved "+res.Pending.ChangeID)

	out = e.mustRun("--json", "show", "a1")
	var meta struct {
		Fields []struct {
			FieldID string `json:"field_id"`
			Value   any    `json:"value"`
		} `json:"fields"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &meta))
	values := map[string]any{}
	for _, f := range meta.Fields {
		values[f.FieldID] = f.Value
	}
	assert.Equal(t, "Fresh copy", values["description"])
	assert.EqualValues(t, 4, values["quality_rating"])

	out = e.mustRun("history", "a1")
	assert.Contains(t, out, "approved")
}

func TestUserErrorsMapToExitCode(t *testing.T) {
	e := newEnv(t)
	e.importFields()

	_, err := e.run("", "--actor", "alice", "set", "a1", "quality_rating", "9")
	require.Error(t, err)
	assert.Equal(t, exitUserError, exitCode(err))

	_, err = e.run("", "--actor", "alice", "set", "a1", "logo_color", "red")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFieldNotEditable)

	_, err = e.run("", "set", "a1", "quality_rating", "3")
	assert.ErrorIs(t, err, types.ErrInvalidActor)

	_, err = e.run("", "prune")
	assert.ErrorIs(t, err, types.ErrInvalidFilter)
}

func TestOverrideAndClear(t *testing.T) {
	e := newEnv(t)
	e.importFields()

	e.mustRun("--actor", "tagger", "automatic", "a1", "logo_color", "blue")
	e.mustRun("--actor", "alice", "set", "--override", "a1", "logo_color", "red")
	out := e.mustRun("--actor", "tagger", "automatic", "a1", "logo_color", "blue")
	assert.Contains(t, out, "Kept human override red")

	out = e.mustRun("--actor", "alice", "clear-override", "a1", "logo_color")
	assert.Contains(t, out, "a1/logo_color is blue (automatic)")
}

func TestSuggestFromStdin(t *testing.T) {
	e := newEnv(t)
	e.importFields()

	out, err := e.run(`[{"asset_id":"a1","field_id":"description","value":"Beach","confidence":0.92}]`,
		"--actor", "tagger", "suggest")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Queued ")

	out, err = e.run(`{"asset_id":"a1","field_id":"missing","value":"x","confidence":0.5}`,
		"--actor", "tagger", "suggest")
	require.Error(t, err)
	assert.Contains(t, out, "a1/missing")
}

func TestAuditExport(t *testing.T) {
	e := newEnv(t)
	e.importFields()
	e.mustRun("--actor", "alice", "set", "a1", "quality_rating", "2")

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	out := e.mustRun("audit", "export", "--asset", "a1", path)
	assert.Contains(t, out, "Exported 1 audit entries")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"applied"`)
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, "blue", parseValue("blue"))
	assert.Equal(t, json.Number("4"), parseValue("4"))
	assert.Equal(t, true, parseValue("true"))
	assert.Nil(t, parseValue("null"))
	assert.Equal(t, []any{"a", "b"}, parseValue(`["a","b"]`))
	assert.Equal(t, "1 2", parseValue("1 2"))
}
