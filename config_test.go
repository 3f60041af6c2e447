package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, SLMPDefaultPort, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:5007", cfg.Server.Address())
	assert.Equal(t, "D", cfg.Monitor.WordBank)
	assert.False(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Capture.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "port zero - ephemeral",
			modify: func(c *Config) {
				c.Server.Port = 0
			},
			wantErr: false,
		},
		{
			name: "invalid port - too high",
			modify: func(c *Config) {
				c.Server.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "invalid listen address",
			modify: func(c *Config) {
				c.Server.ListenAddress = "not-an-ip"
			},
			wantErr: true,
		},
		{
			name: "receive buffer too small",
			modify: func(c *Config) {
				c.Server.ReceiveBufferSize = 8
			},
			wantErr: true,
		},
		{
			name: "max frame below receive buffer",
			modify: func(c *Config) {
				c.Server.MaxFrameSize = 512
			},
			wantErr: true,
		},
		{
			name: "valid plc addresses",
			modify: func(c *Config) {
				c.Network.Addresses = []string{"192.168.3.39", "10.0.0.5/16"}
			},
			wantErr: false,
		},
		{
			name: "invalid plc address",
			modify: func(c *Config) {
				c.Network.Addresses = []string{"192.168.3.300"}
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Logging.Level = "verbose"
			},
			wantErr: true,
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Logging.Format = "xml"
			},
			wantErr: true,
		},
		{
			name: "metrics port out of range",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Port = 0
			},
			wantErr: true,
		},
		{
			name: "monitor with module bank",
			modify: func(c *Config) {
				c.Monitor.Enabled = true
				c.Monitor.WordBank = "U3E0"
			},
			wantErr: false,
		},
		{
			name: "monitor bit bank must be bit device",
			modify: func(c *Config) {
				c.Monitor.Enabled = true
				c.Monitor.BitBank = "D"
			},
			wantErr: true,
		},
		{
			name: "capture without path",
			modify: func(c *Config) {
				c.Capture.Enabled = true
				c.Capture.Path = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_SaveAndLoad(t *testing.T) {
	// 建立暫存目錄
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.json")

	// 儲存配置
	cfg := DefaultConfig()
	cfg.Server.Port = 5020
	cfg.Server.GracefulTimeout = 3 * time.Second
	cfg.Network.Addresses = []string{"192.168.3.39/24"}
	cfg.Monitor.Enabled = true
	cfg.Fixture.Path = "plc.yaml"

	err := cfg.SaveConfig(configPath)
	require.NoError(t, err)

	// 確認檔案存在
	_, err = os.Stat(configPath)
	require.NoError(t, err)

	// 載入配置
	loadedCfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, cfg.Server.Port, loadedCfg.Server.Port)
	assert.Equal(t, cfg.Server.GracefulTimeout, loadedCfg.Server.GracefulTimeout)
	assert.Equal(t, cfg.Network.Addresses, loadedCfg.Network.Addresses)
	assert.True(t, loadedCfg.Monitor.Enabled)
	assert.Equal(t, "plc.yaml", loadedCfg.Fixture.Path)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("SLMPSIM_SERVER_PORT", "6007")
	t.Setenv("SLMPSIM_LOGGING_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 6007, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	// 指定的檔案不存在
	_, err := LoadConfig(filepath.Join(tmpDir, "missing.json"))
	assert.Error(t, err)

	// 內容無效
	path := filepath.Join(tmpDir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": 99999}}`), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestLoggingConfig_BuildLogger(t *testing.T) {
	logger, err := LoggingConfig{Level: "debug", Format: "console", OutputPath: "stderr"}.BuildLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = LoggingConfig{Level: "loud"}.BuildLogger()
	assert.Error(t, err)
}
