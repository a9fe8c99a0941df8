package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command against dbPath and returns stdout.
func execute(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--db", dbPath, "--config", filepath.Join(t.TempDir(), "none.toml")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// executeJSON runs a command with --format json and decodes the envelope.
func executeJSON(t *testing.T, dbPath string, args ...string) (CLIResponse, error) {
	t.Helper()
	out, err := execute(t, dbPath, append([]string{"--format", "json"}, args...)...)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp, err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "libar.db")
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "libar", cmd.Use)
	assert.Contains(t, cmd.Long, "DCB")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"append"},
		{"read", "stream"},
		{"read", "position"},
		{"read", "correlation"},
		{"scope", "show"},
		{"scope", "commit"},
		{"approvals", "list"},
		{"approvals", "approve"},
		{"approvals", "reject"},
		{"approvals", "expire"},
		{"deadletters", "list"},
		{"deadletters", "replay"},
		{"deadletters", "ignore"},
		{"subscriptions", "list"},
		{"subscriptions", "pause"},
		{"subscriptions", "resume"},
		{"subscriptions", "stop"},
		{"position"},
		{"dispatch"},
		{"run"},
		{"test"},
		{"validate"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(filepath.Join(path...), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
}

func TestSubscriptionsAlias(t *testing.T) {
	cmd := NewRootCommand()
	subCmd, _, err := cmd.Find([]string{"subs", "list"})
	require.NoError(t, err)
	assert.Equal(t, "list", subCmd.Name())
	assert.Equal(t, "subscriptions", subCmd.Parent().Name())
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, tempDB(t), "--format", "xml", "position")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestInvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, writeFile(path, "[store]\nbogus = 1\n"))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "position"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestDatabaseFlagOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "libar.toml")
	require.NoError(t, writeFile(cfgPath, "[store]\npath = \""+filepath.Join(dir, "from-config.db")+"\"\n"))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "--db", filepath.Join(dir, "flag.db"), "position"})
	require.NoError(t, cmd.Execute())

	assert.FileExists(t, filepath.Join(dir, "flag.db"))
	assert.NoFileExists(t, filepath.Join(dir, "from-config.db"))
}

func TestSettingsWithoutLoadedConfig(t *testing.T) {
	opts := &RootOptions{Database: "x.db"}
	cfg := opts.settings()
	assert.Equal(t, "x.db", cfg.Store.Path)
	assert.Same(t, cfg, opts.settings())
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
