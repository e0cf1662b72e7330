package bootstrap

import (
	"ai-browser-control/internal/browser"
	"ai-browser-control/internal/config"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger_TeesIntoRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")

	logger, err := newLogger(&config.Config{AppConfig: &config.AppConfig{
		LogLevel:      "warn",
		LogFile:       path,
		LogMaxSizeMB:  1,
		LogMaxBackups: 1,
		LogMaxAgeDays: 1,
	}})
	require.NoError(t, err)

	logger.Info("filtered out")
	logger.Warn("Readiness timed out", zap.String("url", "https://example.com/"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Contains(t, string(data), `"msg":"Readiness timed out"`)
	assert.Contains(t, string(data), `"url":"https://example.com/"`)
	assert.NotContains(t, string(data), "filtered out")
}

func TestNewBrowser_SelectsDriver(t *testing.T) {
	params := func(driver string) browser.Params {
		return browser.Params{
			Config: &config.Config{BrowserConfig: &config.BrowserConfig{Driver: driver}},
			Logger: zap.NewNop(),
		}
	}

	assert.IsType(t, &browser.CDPManager{}, newBrowser(params(config.DriverChromedp)))
	assert.IsType(t, &browser.Manager{}, newBrowser(params(config.DriverPlaywright)))
}
