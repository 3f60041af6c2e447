package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ServerState 伺服器狀態
type ServerState int32

const (
	ServerStateStopped ServerState = iota
	ServerStateStarting
	ServerStateRunning
	ServerStateStopping
)

func (s ServerState) String() string {
	switch s {
	case ServerStateStopped:
		return "stopped"
	case ServerStateStarting:
		return "starting"
	case ServerStateRunning:
		return "running"
	case ServerStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Server SLMP TCP 伺服器，同一時間只服務一條連線
type Server struct {
	mu sync.Mutex

	// 監聽位址
	address string

	// 狀態
	state     atomic.Int32
	connState atomic.Int32

	listener net.Listener
	active   net.Conn
	done     chan struct{}

	// 記憶體與處理器
	plc        *State
	dispatcher *Dispatcher

	// 串流緩衝
	receiveBufferSize int
	maxFrameSize      int

	// 封包擷取
	capture FrameSink

	// 統計
	stats ServerStats

	// 日誌
	logger *zap.Logger
}

// ServerStats 伺服器統計資訊
type ServerStats struct {
	startTime       atomic.Int64
	Connections     atomic.Uint64
	RequestCount    atomic.Uint64
	ErrorCount      atomic.Uint64
	LastRequestTime atomic.Int64
	BytesReceived   atomic.Uint64
	BytesSent       atomic.Uint64

	mu       sync.Mutex
	endCodes map[EndCode]uint64
}

// StartTime 伺服器最近一次啟動的時間，尚未啟動時為零值
func (s *ServerStats) StartTime() time.Time {
	ns := s.startTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// EndCodeCount 各結束碼的回應次數
type EndCodeCount struct {
	Code  EndCode
	Count uint64
}

// EndCodes 依結束碼排序回傳回應次數
func (s *ServerStats) EndCodes() []EndCodeCount {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EndCodeCount, 0, len(s.endCodes))
	for code, n := range s.endCodes {
		out = append(out, EndCodeCount{Code: code, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (s *ServerStats) recordResponse(code EndCode, bytesIn, bytesOut int) {
	s.RequestCount.Add(1)
	s.LastRequestTime.Store(time.Now().UnixNano())
	s.BytesReceived.Add(uint64(bytesIn))
	s.BytesSent.Add(uint64(bytesOut))
	if code != EndCodeSuccess {
		s.ErrorCount.Add(1)
	}

	s.mu.Lock()
	if s.endCodes == nil {
		s.endCodes = make(map[EndCode]uint64)
	}
	s.endCodes[code]++
	s.mu.Unlock()
}

// ServerOption 伺服器配置選項
type ServerOption func(*Server)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCapture 設定封包擷取
func WithCapture(sink FrameSink) ServerOption {
	return func(s *Server) {
		s.capture = sink
	}
}

// WithBufferSizes 設定單次接收大小與串流緩衝上限
func WithBufferSizes(receive, maxFrame int) ServerOption {
	return func(s *Server) {
		if receive > 0 {
			s.receiveBufferSize = receive
		}
		if maxFrame > 0 {
			s.maxFrameSize = maxFrame
		}
	}
}

// NewServer 建立新的伺服器
func NewServer(address string, plc *State, opts ...ServerOption) *Server {
	s := &Server{
		address:           address,
		plc:               plc,
		receiveBufferSize: 1024,
		maxFrameSize:      8192,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger, _ = zap.NewProduction()
	}
	s.dispatcher = NewDispatcher(plc, s.logger)

	return s
}

// Start 開始監聽並在背景接受連線
func (s *Server) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(ServerStateStopped), int32(ServerStateStarting)) {
		return fmt.Errorf("伺服器已經在運行中")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		s.state.Store(int32(ServerStateStopped))
		return fmt.Errorf("監聽 %s 失敗: %w", s.address, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.stats.startTime.Store(time.Now().UnixNano())
	s.state.Store(int32(ServerStateRunning))

	s.logger.Info("PLC 模擬器已啟動", zap.String("addr", ln.Addr().String()))

	go s.acceptLoop(ln, s.done)
	return nil
}

// Stop 關閉監聽與目前的連線
func (s *Server) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(ServerStateRunning), int32(ServerStateStopping)) {
		return nil
	}

	s.mu.Lock()
	ln, conn, done := s.listener, s.active, s.done
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("停止伺服器超時")
	}

	s.state.Store(int32(ServerStateStopped))
	s.logger.Info("PLC 模擬器已停止",
		zap.Duration("uptime", time.Since(s.stats.StartTime())),
		zap.Uint64("requests", s.stats.RequestCount.Load()),
	)
	return nil
}

// acceptLoop 逐一接受連線；前一條連線結束後才處理下一條
func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.State() != ServerStateRunning {
				return
			}
			s.logger.Warn("接受連線失敗", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.stats.Connections.Add(1)
		s.serve(conn)
	}
}

// Addr 回傳實際監聽位址
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// State 取得伺服器狀態
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

// ConnectionState 取得目前連線的處理狀態
func (s *Server) ConnectionState() ConnState {
	return ConnState(s.connState.Load())
}

// Stats 取得統計資訊
func (s *Server) Stats() *ServerStats {
	return &s.stats
}

// PLC 取得模擬器記憶體狀態
func (s *Server) PLC() *State {
	return s.plc
}

func (s *Server) setActive(conn net.Conn) {
	s.mu.Lock()
	s.active = conn
	s.mu.Unlock()
}
