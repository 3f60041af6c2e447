package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 全域配置
type Config struct {
	Server  ServerConfig  `json:"server" mapstructure:"server"`
	Network NetworkConfig `json:"network" mapstructure:"network"`
	Fixture FixtureConfig `json:"fixture" mapstructure:"fixture"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Monitor MonitorConfig `json:"monitor" mapstructure:"monitor"`
	Capture CaptureConfig `json:"capture" mapstructure:"capture"`
}

// ServerConfig SLMP 伺服器配置
type ServerConfig struct {
	ListenAddress     string        `json:"listen_address" mapstructure:"listen_address"`
	Port              int           `json:"port" mapstructure:"port"`
	ReceiveBufferSize int           `json:"receive_buffer_size" mapstructure:"receive_buffer_size"`
	MaxFrameSize      int           `json:"max_frame_size" mapstructure:"max_frame_size"`
	GracefulTimeout   time.Duration `json:"graceful_timeout" mapstructure:"graceful_timeout"`
}

// Address 回傳 host:port
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))
}

// NetworkConfig 模擬 PLC 位址配置
type NetworkConfig struct {
	Interface string   `json:"interface" mapstructure:"interface"`
	Addresses []string `json:"addresses" mapstructure:"addresses"`
	Provision bool     `json:"provision" mapstructure:"provision"`
}

// FixtureConfig 資料集配置
type FixtureConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// MonitorConfig Modbus 監看介面配置
type MonitorConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Port     int    `json:"port" mapstructure:"port"`
	WordBank string `json:"word_bank" mapstructure:"word_bank"`
	BitBank  string `json:"bit_bank" mapstructure:"bit_bank"`
}

// CaptureConfig 封包擷取配置
type CaptureConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:     "127.0.0.1",
			Port:              SLMPDefaultPort,
			ReceiveBufferSize: 1024,
			MaxFrameSize:      8192,
			GracefulTimeout:   10 * time.Second,
		},
		Network: NetworkConfig{
			Interface: "eth0",
			Addresses: []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
		Monitor: MonitorConfig{
			Enabled:  false,
			Port:     5020,
			WordBank: "D",
			BitBank:  "M",
		},
		Capture: CaptureConfig{
			Enabled: false,
			Path:    "slmp.pcap",
		},
	}
}

// LoadConfig 載入配置檔；未指定路徑時搜尋預設位置，找不到則使用預設值
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/slmpsim/")
		v.AddConfigPath("$HOME/.slmpsim/")
	}

	// 環境變數覆蓋，例如 SLMPSIM_SERVER_PORT
	v.SetEnvPrefix("SLMPSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// setDefaults 註冊所有鍵，讓 AutomaticEnv 在沒有配置檔時也能覆蓋
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.listen_address", cfg.Server.ListenAddress)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.receive_buffer_size", cfg.Server.ReceiveBufferSize)
	v.SetDefault("server.max_frame_size", cfg.Server.MaxFrameSize)
	v.SetDefault("server.graceful_timeout", cfg.Server.GracefulTimeout)
	v.SetDefault("network.interface", cfg.Network.Interface)
	v.SetDefault("network.addresses", cfg.Network.Addresses)
	v.SetDefault("network.provision", cfg.Network.Provision)
	v.SetDefault("fixture.path", cfg.Fixture.Path)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output_path", cfg.Logging.OutputPath)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.endpoint", cfg.Metrics.Endpoint)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("monitor.enabled", cfg.Monitor.Enabled)
	v.SetDefault("monitor.port", cfg.Monitor.Port)
	v.SetDefault("monitor.word_bank", cfg.Monitor.WordBank)
	v.SetDefault("monitor.bit_bank", cfg.Monitor.BitBank)
	v.SetDefault("capture.enabled", cfg.Capture.Enabled)
	v.SetDefault("capture.path", cfg.Capture.Path)
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無效的埠號: %d", c.Server.Port)
	}

	if net.ParseIP(c.Server.ListenAddress) == nil && c.Server.ListenAddress != "" && c.Server.ListenAddress != "localhost" {
		return fmt.Errorf("無效的監聽位址: %s", c.Server.ListenAddress)
	}

	if c.Server.ReceiveBufferSize < 16 {
		return fmt.Errorf("接收緩衝區過小: %d", c.Server.ReceiveBufferSize)
	}

	if c.Server.MaxFrameSize < c.Server.ReceiveBufferSize {
		return fmt.Errorf("訊框上限 (%d) 不可小於接收緩衝區 (%d)", c.Server.MaxFrameSize, c.Server.ReceiveBufferSize)
	}

	for _, addr := range c.Network.Addresses {
		if _, err := ParsePLCAddress(addr); err != nil {
			return err
		}
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("無效的日誌等級: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("無效的日誌格式: %s", c.Logging.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("無效的指標埠號: %d", c.Metrics.Port)
	}

	if c.Monitor.Enabled {
		if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
			return fmt.Errorf("無效的監看埠號: %d", c.Monitor.Port)
		}
		if !validBankName(c.Monitor.WordBank) {
			return fmt.Errorf("未知的監看字記憶體區: %s", c.Monitor.WordBank)
		}
		if dev, ok := LookupDeviceByName(c.Monitor.BitBank); !ok || dev.Kind != DeviceKindBit {
			return fmt.Errorf("監看位元記憶體區必須是位元軟元件: %s", c.Monitor.BitBank)
		}
	}

	if c.Capture.Enabled && c.Capture.Path == "" {
		return fmt.Errorf("啟用封包擷取時必須指定檔案路徑")
	}

	return nil
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}

// BuildLogger 依日誌配置建立 zap logger
func (c LoggingConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("無效的日誌等級: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if c.Format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	output := c.OutputPath
	if output == "" {
		output = "stdout"
	}
	cfg.OutputPaths = []string{output}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
