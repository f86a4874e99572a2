package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/filecache/fcache"
	"github.com/ZanzyTHEbar/filecache/fcache/cache"
	"github.com/ZanzyTHEbar/filecache/fcache/diff"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	suite.tempDir = suite.T().TempDir()
	require.NoError(suite.T(), os.Chdir(suite.tempDir))
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		_ = os.Chdir(suite.origDir)
	}
}

func (suite *ConfigTestSuite) writeConfig(name, content string) string {
	path := filepath.Join(suite.tempDir, name)
	require.NoError(suite.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), "info", cfg.LogLevel)
	assert.Equal(suite.T(), internal.DefaultTickInterval, cfg.TickInterval)
	assert.Equal(suite.T(), internal.DefaultTickBudget, cfg.TickBudget)
	assert.Equal(suite.T(), internal.DefaultWriteInterval, cfg.WriteInterval)
	assert.Equal(suite.T(), 100*time.Millisecond, cfg.Watch.DebounceDelay)
	assert.False(suite.T(), cfg.Metrics.Enabled)
	assert.Empty(suite.T(), cfg.Monitors)

	assert.ErrorIs(suite.T(), cfg.Validate(), ErrNoMonitors)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	root := suite.T().TempDir()
	configFile := suite.writeConfig("config.yaml", `
logLevel: debug
tickInterval: 50ms
tickBudget: 5ms
writeInterval: 1s
watch:
  debounceDelay: 20ms
  maxDebounceDelay: 1s
  queueCapacity: 64
metrics:
  enabled: true
  address: "127.0.0.1:9999"
monitors:
  - rootDirectory: "`+root+`"
    cacheFilePath: "`+filepath.Join(root, ".fcache", "cache.fcsn")+`"
    pathStyle: absolute
    detectChangesSinceLastRun: true
    detectMoves: true
    changeDetectionKinds: [timestamp, contentHash]
    matchRules:
      extensions: [png, txt]
      wildcards:
        - pattern: "*.*"
          include: true
        - pattern: "sub-folder/*"
          include: false
        - pattern: "sub-folder/*.png"
          include: true
`)

	cfg, err := LoadConfig(configFile)
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), cfg.Validate())

	assert.Equal(suite.T(), "debug", cfg.LogLevel)
	assert.Equal(suite.T(), 50*time.Millisecond, cfg.TickInterval)
	assert.Equal(suite.T(), 5*time.Millisecond, cfg.TickBudget)
	assert.Equal(suite.T(), time.Second, cfg.WriteInterval)
	assert.Equal(suite.T(), 64, cfg.Watcher().QueueCapacity)
	assert.Equal(suite.T(), 20*time.Millisecond, cfg.Watcher().DebounceDelay)
	assert.Equal(suite.T(), "127.0.0.1:9999", cfg.Metrics.Address)

	require.Len(suite.T(), cfg.Monitors, 1)
	m := cfg.Monitors[0]
	assert.Equal(suite.T(), root, m.RootDirectory)
	assert.True(suite.T(), m.DetectMoves)
	require.Len(suite.T(), m.MatchRules.Wildcards, 3)
	assert.False(suite.T(), m.MatchRules.Wildcards[1].Include)

	cc, err := m.CacheConfig()
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), cache.PathAbsolute, cc.PathStyle)
	assert.Equal(suite.T(), diff.KindAll, cc.Kinds)
	assert.True(suite.T(), cc.DetectChangesSinceLastRun)
	assert.True(suite.T(), cc.RequiresHashing())
	assert.True(suite.T(), cc.Rules.Matches("sub-folder/icon.png"))
	assert.False(suite.T(), cc.Rules.Matches("sub-folder/readme.txt"))
	assert.False(suite.T(), cc.Rules.Matches("notes.md"))
}

func (suite *ConfigTestSuite) TestEnvironmentOverrides() {
	suite.T().Setenv("FCACHE_LOGLEVEL", "warn")
	suite.T().Setenv("FCACHE_WATCH_DEBOUNCEDELAY", "250ms")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "warn", cfg.LogLevel)
	assert.Equal(suite.T(), 250*time.Millisecond, cfg.Watch.DebounceDelay)
}

func (suite *ConfigTestSuite) TestIgnoreFile() {
	root := suite.T().TempDir()
	require.NoError(suite.T(), os.WriteFile(filepath.Join(root, ".fcacheignore"), []byte("build/\n*.log\n"), 0o644))

	m := MonitorConfig{
		RootDirectory: root,
		MatchRules:    MatchRulesConfig{IgnoreFile: ".fcacheignore"},
	}
	cc, err := m.CacheConfig()
	require.NoError(suite.T(), err)
	assert.True(suite.T(), cc.Rules.Matches("src/main.go"))
	assert.False(suite.T(), cc.Rules.Matches("build/out.bin"))
	assert.False(suite.T(), cc.Rules.Matches("debug.log"))
	assert.False(suite.T(), cc.Rules.Matches(".fcacheignore"))
}

func (suite *ConfigTestSuite) TestValidationErrors() {
	base := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(suite.T(), err)
		cfg.Monitors = []MonitorConfig{{RootDirectory: suite.tempDir}}
		return cfg
	}

	cfg := base()
	require.NoError(suite.T(), cfg.Validate())

	cfg = base()
	cfg.Monitors[0].PathStyle = "sideways"
	assert.Error(suite.T(), cfg.Validate())

	cfg = base()
	cfg.Monitors[0].ChangeDetectionKinds = []string{"size"}
	assert.Error(suite.T(), cfg.Validate())

	cfg = base()
	cfg.Monitors[0].MatchRules.Wildcards = []WildcardConfig{{Pattern: ""}}
	assert.Error(suite.T(), cfg.Validate())

	cfg = base()
	cfg.Monitors = append(cfg.Monitors, MonitorConfig{RootDirectory: suite.tempDir + "/"})
	assert.Error(suite.T(), cfg.Validate())

	cfg = base()
	cfg.Monitors[0].RootDirectory = ""
	assert.Error(suite.T(), cfg.Validate())

	cfg = base()
	cfg.LogLevel = "loud"
	assert.Error(suite.T(), cfg.Validate())

	cfg = base()
	cfg.Metrics = MetricsConfig{Enabled: true}
	assert.Error(suite.T(), cfg.Validate())
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	configFile := suite.writeConfig("malformed.yaml", `
monitors:
  - rootDirectory: "/tmp"
  invalid_yaml: [unclosed bracket
`)

	cfg, err := LoadConfig(configFile)
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func TestMonitorConfig_CacheConfigDefaults(t *testing.T) {
	cc, err := MonitorConfig{RootDirectory: "/data"}.CacheConfig()
	require.NoError(t, err)
	assert.Equal(t, cache.PathRelative, cc.PathStyle)
	assert.Equal(t, diff.KindTimestamp, cc.Kinds)
	assert.False(t, cc.RequiresHashing())
	assert.Empty(t, cc.CacheFilePath)
	assert.True(t, cc.Rules.Matches("anything/at/all.bin"))
}
