package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/pitwall/internal/config"
)

// testEnv runs the test in an empty directory with captured output.
func testEnv(t *testing.T) (dir string, out, errOut *bytes.Buffer) {
	t.Helper()
	dir = t.TempDir()

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	origCfg := cfgFile
	cfgFile = ""
	t.Cleanup(func() { cfgFile = origCfg })

	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	ui = &UI{Out: out, ErrOut: errOut}
	return dir, out, errOut
}

const twoTargets = `
launch:
  - name: web
    command: flutter
    args: [run, -d, chrome, --machine]
    auto_start: true
  - name: ios
    command: flutter
    args: [run, -d, ios, --machine]
`

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	testEnv(t)

	cfg, path, err := loadConfig()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, "flutter", cfg.Launch[0].Name)
}

func TestLoadConfig_FindsYAMLInWorkingDir(t *testing.T) {
	dir, _, _ := testEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pitwall.yaml"), []byte(twoTargets), 0o644))

	cfg, path, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "pitwall.yaml", path)
	require.Len(t, cfg.Launch, 2)
	assert.Equal(t, "ios", cfg.Launch[1].Name)
}

func TestLoadConfig_FallsBackToTOML(t *testing.T) {
	dir, _, _ := testEnv(t)
	toml := "[[launch]]\nname = \"api\"\ncommand = \"dart\"\nargs = [\"run\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pitwall.toml"), []byte(toml), 0o644))

	cfg, path, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "pitwall.toml", path)
	assert.Equal(t, "api", cfg.Launch[0].Name)
}

func TestLoadConfig_ExplicitMissingFileFails(t *testing.T) {
	dir, _, _ := testEnv(t)
	cfgFile = filepath.Join(dir, "nope.yaml")

	_, _, err := loadConfig()
	assert.Error(t, err)
}

func TestSelectTargets(t *testing.T) {
	cfg := config.Default()
	cfg.Launch = append(cfg.Launch, config.LaunchConfig{Name: "server", Command: "dart"})

	require.NoError(t, selectTargets(cfg, []string{"server"}))
	assert.False(t, cfg.Launch[0].AutoStart)
	assert.True(t, cfg.Launch[1].AutoStart)

	assert.Error(t, selectTargets(cfg, []string{"missing"}))
}

func TestSelectTargets_NoNamesKeepsAutoStart(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, selectTargets(cfg, nil))
	assert.True(t, cfg.Launch[0].AutoStart)
}

func TestConfigShow_ListsTargetsAndSettings(t *testing.T) {
	dir, out, _ := testEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pitwall.yaml"), []byte(twoTargets), 0o644))
	cfg, path, err := loadConfig()
	require.NoError(t, err)

	require.NoError(t, configShowRun(cfg, path))

	s := out.String()
	for _, want := range []string{"pitwall.yaml", "web", "ios", "chrome", "supervisor.watchdog_interval"} {
		assert.Contains(t, s, want)
	}
}

func TestConfigShow_NoFile(t *testing.T) {
	_, out, _ := testEnv(t)
	require.NoError(t, configShowRun(config.Default(), ""))
	assert.Contains(t, out.String(), "using defaults")
}

func TestConfigCheck(t *testing.T) {
	_, out, errOut := testEnv(t)
	cfg := config.Default()

	require.NoError(t, configCheckRun(cfg, "pitwall.yaml"))
	assert.Contains(t, out.String(), "pitwall.yaml is valid: 1 launch target(s)")

	require.NoError(t, configCheckRun(cfg, ""))
	assert.Contains(t, errOut.String(), "No config file found")
}

func TestUIVerboseLog(t *testing.T) {
	out := &bytes.Buffer{}
	u := &UI{Out: out, ErrOut: out}
	u.VerboseLog("hidden")
	assert.Empty(t, out.String())

	u.Verbose = true
	u.VerboseLog("shown %d", 1)
	assert.Contains(t, out.String(), "shown 1")
}
