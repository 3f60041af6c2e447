package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// Modbus 監看介面的單次讀取上限
const (
	monitorMaxBits      = 2000
	monitorMaxRegisters = 125
)

// Monitor 唯讀的 Modbus TCP 監看介面
//
// 保持暫存器與輸入暫存器 (FC3/FC4) 對應字軟元件區，線圈與離散輸入 (FC1/FC2)
// 對應位元軟元件區，位址直接等於 SLMP 軟元件編號。所有寫入功能碼回傳 IllegalFunction。
type Monitor struct {
	address  string
	wordBank string
	bitBank  string

	state atomic.Int32
	plc   *State

	server    *mbserver.Server
	startTime time.Time
	requests  atomic.Uint64

	logger *zap.Logger
}

// MonitorOption 監看介面配置選項
type MonitorOption func(*Monitor)

// WithMonitorBanks 設定對應的字與位元記憶體區
func WithMonitorBanks(wordBank, bitBank string) MonitorOption {
	return func(m *Monitor) {
		if wordBank != "" {
			m.wordBank = wordBank
		}
		if bitBank != "" {
			m.bitBank = bitBank
		}
	}
}

// WithMonitorLogger 設定日誌
func WithMonitorLogger(logger *zap.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor 建立 Modbus 監看介面
func NewMonitor(address string, plc *State, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		address:  address,
		wordBank: "D",
		bitBank:  "M",
		plc:      plc,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Start 啟動 Modbus 監看介面
func (m *Monitor) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(ServerStateStopped), int32(ServerStateStarting)) {
		return fmt.Errorf("監看介面已經在運行中")
	}

	m.server = mbserver.NewServer()
	m.server.RegisterFunctionHandler(1, m.readBits)
	m.server.RegisterFunctionHandler(2, m.readBits)
	m.server.RegisterFunctionHandler(3, m.readRegisters)
	m.server.RegisterFunctionHandler(4, m.readRegisters)
	for _, fc := range []uint8{5, 6, 15, 16} {
		m.server.RegisterFunctionHandler(fc, m.rejectWrite)
	}

	// ListenTCP 同步建立 listener，內部以 goroutine accept
	if err := m.server.ListenTCP(m.address); err != nil {
		m.state.Store(int32(ServerStateStopped))
		return fmt.Errorf("監聽 %s 失敗: %w", m.address, err)
	}

	m.startTime = time.Now()
	m.state.Store(int32(ServerStateRunning))

	m.logger.Info("Modbus 監看介面已啟動",
		zap.String("addr", m.address),
		zap.String("word_bank", m.wordBank),
		zap.String("bit_bank", m.bitBank),
	)

	go func() {
		<-ctx.Done()
		_ = m.Stop(context.Background())
	}()
	return nil
}

// Stop 停止 Modbus 監看介面
func (m *Monitor) Stop(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(ServerStateRunning), int32(ServerStateStopping)) {
		return nil
	}

	if m.server != nil {
		m.server.Close()
	}

	m.state.Store(int32(ServerStateStopped))
	m.logger.Info("Modbus 監看介面已停止",
		zap.Duration("uptime", time.Since(m.startTime)),
		zap.Uint64("requests", m.requests.Load()),
	)
	return nil
}

// State 取得監看介面狀態
func (m *Monitor) State() ServerState {
	return ServerState(m.state.Load())
}

// Requests 已處理的 Modbus 請求數
func (m *Monitor) Requests() uint64 {
	return m.requests.Load()
}

// parseRange 取出 Modbus 請求的起始位址與數量 (big-endian)
func parseRange(frame mbserver.Framer, max uint16) (uint16, uint16, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	if qty == 0 || qty > max {
		return 0, 0, &mbserver.IllegalDataValue
	}
	if int(start)+int(qty) > 65536 {
		return 0, 0, &mbserver.IllegalDataAddress
	}
	return start, qty, nil
}

// readBits 處理 FC1/FC2；未初始化的位元視為 0
func (m *Monitor) readBits(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	m.requests.Add(1)
	start, qty, exc := parseRange(frame, monitorMaxBits)
	if exc != nil {
		return []byte{}, exc
	}

	packed := make([]byte, (int(qty)+7)/8)
	_ = m.plc.Do(func(devices *DeviceMemory, _ *LabelRegistry) error {
		for i := 0; i < int(qty); i++ {
			addr := uint32(start) + uint32(i)
			word, _ := devices.Peek(m.bitBank, wordAddress(addr))
			if word&(1<<(addr%16)) != 0 {
				packed[i/8] |= 1 << (i % 8)
			}
		}
		return nil
	})

	return append([]byte{byte(len(packed))}, packed...), &mbserver.Success
}

// readRegisters 處理 FC3/FC4；未初始化的字視為 0
func (m *Monitor) readRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	m.requests.Add(1)
	start, qty, exc := parseRange(frame, monitorMaxRegisters)
	if exc != nil {
		return []byte{}, exc
	}

	out := make([]byte, 1, 1+int(qty)*2)
	out[0] = byte(qty * 2)
	_ = m.plc.Do(func(devices *DeviceMemory, _ *LabelRegistry) error {
		for i := 0; i < int(qty); i++ {
			v, _ := devices.Peek(m.wordBank, uint32(start)+uint32(i))
			out = binary.BigEndian.AppendUint16(out, v)
		}
		return nil
	})

	return out, &mbserver.Success
}

func (m *Monitor) rejectWrite(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	m.requests.Add(1)
	m.logger.Debug("拒絕 Modbus 寫入", zap.Uint8("function", frame.GetFunction()))
	return []byte{}, &mbserver.IllegalFunction
}
