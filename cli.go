package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "slmpsim",
	Short: "SLMP (MC 協定) PLC 模擬器",
	Long: `以 TCP 提供 SLMP 3E/4E 二進位訊框的 PLC 模擬器。
支援軟元件讀寫、擴充位址指定、全域標籤讀寫與迴路測試，供整合測試取代實體 PLC。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 載入配置 (除了 version 和 generate 命令)
		appConfig = DefaultConfig()
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			cfg, err := LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			appConfig = cfg
		}

		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			appConfig.Logging.Level = level
		}

		// 初始化日誌
		var err error
		logger, err = appConfig.Logging.BuildLogger()
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// startCmd 啟動命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "啟動模擬器",
	Long:  "啟動 SLMP PLC 模擬器，開始監聽連線請求。",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 覆蓋 CLI 參數
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			appConfig.Server.ListenAddress = addr
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			appConfig.Server.Port = port
		}
		if path, _ := cmd.Flags().GetString("fixture"); path != "" {
			appConfig.Fixture.Path = path
		}
		if path, _ := cmd.Flags().GetString("capture"); path != "" {
			appConfig.Capture.Enabled = true
			appConfig.Capture.Path = path
		}
		if err := appConfig.Validate(); err != nil {
			return err
		}

		fixture := DefaultFixture()
		if appConfig.Fixture.Path != "" {
			f, err := LoadFixture(appConfig.Fixture.Path)
			if err != nil {
				return err
			}
			fixture = f
		}

		plc, err := NewState(fixture)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// 掛載 PLC 位址
		var provisioner NetworkProvisioner
		if appConfig.Network.Provision && len(appConfig.Network.Addresses) > 0 {
			provisioner = NewNetworkProvisioner(appConfig.Network.Interface, logger)
			if err := provisioner.Setup(ctx, appConfig.Network.Addresses); err != nil {
				return fmt.Errorf("設置 PLC 位址失敗: %w", err)
			}
		}

		opts := []ServerOption{
			WithLogger(logger),
			WithBufferSizes(appConfig.Server.ReceiveBufferSize, appConfig.Server.MaxFrameSize),
		}
		var capture *PcapCapture
		if appConfig.Capture.Enabled {
			capture, err = NewPcapCapture(appConfig.Capture.Path, logger)
			if err != nil {
				return err
			}
			defer capture.Close()
			opts = append(opts, WithCapture(capture))
		}

		logger.Info("啟動 SLMP 模擬器",
			zap.String("addr", appConfig.Server.Address()),
			zap.Int("devices", len(fixture.Devices)),
			zap.Int("labels", len(fixture.Labels)),
		)

		server := NewServer(appConfig.Server.Address(), plc, opts...)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("啟動伺服器失敗: %w", err)
		}

		// 啟動 Modbus 監看介面
		var monitor *Monitor
		if appConfig.Monitor.Enabled {
			addr := net.JoinHostPort(appConfig.Server.ListenAddress, strconv.Itoa(appConfig.Monitor.Port))
			monitor = NewMonitor(addr, plc,
				WithMonitorBanks(appConfig.Monitor.WordBank, appConfig.Monitor.BitBank),
				WithMonitorLogger(logger),
			)
			if err := monitor.Start(ctx); err != nil {
				logger.Warn("啟動 Modbus 監看介面失敗", zap.Error(err))
				monitor = nil
			}
		}

		// 啟動指標收集器
		var metrics *MetricsCollector
		if appConfig.Metrics.Enabled {
			metrics = NewMetricsCollector(server, logger)
			if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
				metrics = nil
			}
		}

		// 等待信號
		sig := <-sigChan
		logger.Info("收到關閉信號", zap.String("signal", sig.String()))

		// 優雅關閉
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.Server.GracefulTimeout)
		defer shutdownCancel()

		if metrics != nil {
			_ = metrics.Stop(shutdownCtx)
		}
		if monitor != nil {
			_ = monitor.Stop(shutdownCtx)
		}
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("關閉伺服器失敗", zap.Error(err))
			return err
		}
		if provisioner != nil {
			if err := provisioner.Teardown(shutdownCtx, appConfig.Network.Addresses); err != nil {
				logger.Warn("移除 PLC 位址失敗", zap.Error(err))
			}
		}
		if capture != nil {
			logger.Info("封包擷取完成",
				zap.String("path", appConfig.Capture.Path),
				zap.Int("packets", capture.Count()),
			)
		}

		logger.Info("模擬器已停止")
		return nil
	},
}

// probeCmd 探測命令組
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "對 SLMP 伺服器送出測試請求",
	Long:  "連線到 SLMP 伺服器 (模擬器或實體 PLC) 並送出單一請求，印出結束碼與回應資料。",
}

// probeLoopbackCmd 迴路測試
var probeLoopbackCmd = &cobra.Command{
	Use:   "loopback [data]",
	Short: "迴路測試",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data := []byte("ABCDE")
		if len(args) == 1 {
			data = []byte(args[0])
		}
		return runProbe(cmd, CommandLoopback, 0, LoopbackPayload(data))
	},
}

// probeReadCmd 讀取軟元件
var probeReadCmd = &cobra.Command{
	Use:   "read DEVICE HEAD COUNT",
	Short: "讀取軟元件",
	Long:  "讀取軟元件，例如 `probe read D 100 4`；位元軟元件加上 --bit 以位元單位讀取。",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, ok := LookupDeviceByName(strings.ToUpper(args[0]))
		if !ok {
			return fmt.Errorf("未知的軟元件: %s", args[0])
		}
		head, err := strconv.ParseUint(args[1], 0, 24)
		if err != nil {
			return fmt.Errorf("無效的起始位址: %w", err)
		}
		count, err := strconv.ParseUint(args[2], 0, 16)
		if err != nil {
			return fmt.Errorf("無效的點數: %w", err)
		}

		subcommand := uint16(SubcommandWord)
		if bit, _ := cmd.Flags().GetBool("bit"); bit {
			subcommand = SubcommandBit
		}
		return runProbe(cmd, CommandDeviceRead, subcommand, DeviceAccessPayload(dev, uint32(head), uint16(count), nil))
	},
}

// probeLabelCmd 讀取標籤
var probeLabelCmd = &cobra.Command{
	Use:   "label NAME...",
	Short: "讀取全域標籤",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		abbreviations, _ := cmd.Flags().GetStringSlice("abbr")
		return runProbe(cmd, CommandLabelRead, 0, LabelReadPayload(args, abbreviations))
	},
}

func runProbe(cmd *cobra.Command, command, subcommand uint16, payload []byte) error {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = appConfig.Server.Address()
	}
	subheader := uint16(Subheader3E)
	if use4E, _ := cmd.Flags().GetBool("4e"); use4E {
		subheader = Subheader4E
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialClient(ctx, addr, subheader)
	if err != nil {
		return err
	}
	defer client.Close()

	code, data, err := client.Do(command, subcommand, payload)
	if err != nil {
		return err
	}

	fmt.Printf("結束碼: 0x%04X (%s)\n", uint16(code), code)
	if len(data) > 0 {
		fmt.Print(hex.Dump(data))
	}
	if command == CommandLabelRead && code == EndCodeSuccess {
		values, err := ParseLabelReadResponse(data)
		if err != nil {
			return err
		}
		for i, v := range values {
			fmt.Printf("  [%d] type=0x%02X bytes=%d data=% X\n", i, v.WireCode, len(v.Data), v.Data)
		}
	}
	return nil
}

// fixtureCmd 資料集命令組
var fixtureCmd = &cobra.Command{
	Use:   "fixture",
	Short: "資料集管理命令",
	Long:  "輸出或驗證 PLC 初始資料集。",
}

// fixtureDumpCmd 輸出內建資料集
var fixtureDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "輸出內建資料集",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		w := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("建立輸出檔失敗: %w", err)
			}
			defer f.Close()
			w = f
		}
		return DefaultFixture().Encode(w, format)
	},
}

// fixtureValidateCmd 驗證資料集
var fixtureValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "驗證資料檔",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := LoadFixture(args[0])
		if err != nil {
			return err
		}
		plc, err := NewState(f)
		if err != nil {
			return err
		}
		snap := plc.Snapshot()

		fmt.Println("資料集驗證通過")
		fmt.Printf("  Banks: %s\n", strings.Join(snap.Banks, ", "))
		fmt.Printf("  Cells: %d\n", snap.Cells)
		fmt.Printf("  Labels: %d\n", snap.Labels)
		return nil
	},
}

// networkCmd 網路命令組
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "網路管理命令",
	Long:  "管理模擬 PLC 的 IP 位址。",
}

func provisionerFromFlags(cmd *cobra.Command) NetworkProvisioner {
	if iface, _ := cmd.Flags().GetString("interface"); iface != "" {
		appConfig.Network.Interface = iface
	}
	if addrs, _ := cmd.Flags().GetStringSlice("address"); len(addrs) > 0 {
		appConfig.Network.Addresses = addrs
	}
	return NewNetworkProvisioner(appConfig.Network.Interface, logger)
}

// networkSetupCmd 設置網路
var networkSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "設置 PLC 位址",
	Long:  "在指定的網路介面上加入模擬 PLC 的 IP 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner := provisionerFromFlags(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Setup(ctx, appConfig.Network.Addresses); err != nil {
			return fmt.Errorf("設置網路失敗: %w", err)
		}

		fmt.Println("PLC 位址設置完成")
		return nil
	},
}

// networkTeardownCmd 移除網路
var networkTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "移除 PLC 位址",
	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner := provisionerFromFlags(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Teardown(ctx, appConfig.Network.Addresses); err != nil {
			return fmt.Errorf("移除網路失敗: %w", err)
		}

		fmt.Println("PLC 位址已移除")
		return nil
	},
}

// networkListCmd 列出網路
var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出介面 IP",
	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner := provisionerFromFlags(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ips, err := provisioner.List(ctx)
		if err != nil {
			return fmt.Errorf("列出 IP 失敗: %w", err)
		}

		if len(ips) == 0 {
			fmt.Println("介面上沒有 IP")
			return nil
		}

		fmt.Printf("%s 上的 IP (%d 個):\n", appConfig.Network.Interface, len(ips))
		for _, ip := range ips {
			fmt.Printf("  - %s\n", ip.String())
		}
		return nil
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		fmt.Println("配置驗證通過")
		fmt.Printf("  Listen: %s\n", cfg.Server.Address())
		fmt.Printf("  Fixture: %s\n", valueOr(cfg.Fixture.Path, "(內建)"))
		fmt.Printf("  Interface: %s\n", cfg.Network.Interface)
		fmt.Printf("  PLC Addresses: %d\n", len(cfg.Network.Addresses))
		fmt.Printf("  Monitor: %v\n", cfg.Monitor.Enabled)
		fmt.Printf("  Capture: %v\n", cfg.Capture.Enabled)
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := DefaultConfig()

		// 範例 PLC 位址
		cfg.Network.Addresses = []string{"192.168.3.39/24"}

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("slmpsim version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")
	rootCmd.PersistentFlags().String("log-level", "", "日誌等級 (debug, info, warn, error)")

	// start 命令 flags
	startCmd.Flags().StringP("listen", "l", "", "監聽位址")
	startCmd.Flags().IntP("port", "p", 0, "監聽埠號")
	startCmd.Flags().StringP("fixture", "f", "", "資料檔路徑 (.yaml, .toml, .json)")
	startCmd.Flags().String("capture", "", "封包擷取 pcap 檔路徑")

	// probe 命令 flags
	probeCmd.PersistentFlags().StringP("addr", "a", "", "伺服器位址 (預設為配置中的監聽位址)")
	probeCmd.PersistentFlags().Bool("4e", false, "使用 4E 訊框")
	probeReadCmd.Flags().Bool("bit", false, "以位元單位讀取")
	probeLabelCmd.Flags().StringSlice("abbr", nil, "標籤名稱縮寫 (%1, %2, ...)")

	// fixture 命令 flags
	fixtureDumpCmd.Flags().String("format", "yaml", "輸出格式 (yaml, toml, json)")
	fixtureDumpCmd.Flags().StringP("output", "o", "", "輸出檔案路徑 (預設為標準輸出)")

	// network 命令 flags
	for _, c := range []*cobra.Command{networkSetupCmd, networkTeardownCmd, networkListCmd} {
		c.Flags().StringP("interface", "i", "", "網路介面")
	}
	networkSetupCmd.Flags().StringSlice("address", nil, "PLC 位址 (IP 或 CIDR)")
	networkTeardownCmd.Flags().StringSlice("address", nil, "PLC 位址 (IP 或 CIDR)")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	probeCmd.AddCommand(probeLoopbackCmd, probeReadCmd, probeLabelCmd)
	fixtureCmd.AddCommand(fixtureDumpCmd, fixtureValidateCmd)
	networkCmd.AddCommand(networkSetupCmd, networkTeardownCmd, networkListCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		startCmd,
		probeCmd,
		fixtureCmd,
		networkCmd,
		configCmd,
		versionCmd,
	)
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
