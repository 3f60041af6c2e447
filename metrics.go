package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 指標收集器
type MetricsCollector struct {
	mu sync.RWMutex

	startTime time.Time

	// 歷史記錄 (用於計算速率)
	requestHistory []requestSample
	maxHistory     int

	httpServer *http.Server
	stop       chan struct{}

	// 參照
	server *Server
	logger *zap.Logger
}

type requestSample struct {
	timestamp time.Time
	requests  uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	Uptime          string    `json:"uptime"`
	ServerState     string    `json:"server_state"`
	ConnectionState string    `json:"connection_state"`
	ServerStarted   time.Time `json:"server_started"`

	// 連線與請求指標
	Connections    uint64            `json:"connections"`
	TotalRequests  uint64            `json:"total_requests"`
	TotalErrors    uint64            `json:"total_errors"`
	ErrorRate      float64           `json:"error_rate"`
	RequestsPerSec float64           `json:"requests_per_sec"`
	BytesReceived  uint64            `json:"bytes_received"`
	BytesSent      uint64            `json:"bytes_sent"`
	EndCodes       map[string]uint64 `json:"end_codes"`

	// 記憶體狀態
	Banks  []string `json:"banks"`
	Cells  int      `json:"cells"`
	Labels int      `json:"labels"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(server *Server, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		server:     server,
		logger:     logger,
		maxHistory: 60, // 保留 60 個樣本 (用於計算每秒速率)
	}
}

// Handler 回傳指標 HTTP handler
func (m *MetricsCollector) Handler(endpoint string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	return mux
}

// Start 啟動指標收集與 HTTP 伺服器
func (m *MetricsCollector) Start(endpoint string, port int) error {
	m.startTime = time.Now()

	addr := net.JoinHostPort("", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("監聽指標埠 %s 失敗: %w", addr, err)
	}

	m.stop = make(chan struct{})
	m.httpServer = &http.Server{
		Handler:           m.Handler(endpoint),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 啟動背景收集
	go m.collectLoop(m.stop)

	m.logger.Info("啟動指標伺服器", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := m.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止指標伺服器
func (m *MetricsCollector) Stop(ctx context.Context) error {
	if m.httpServer == nil {
		return nil
	}
	close(m.stop)
	return m.httpServer.Shutdown(ctx)
}

// collectLoop 背景收集迴圈
func (m *MetricsCollector) collectLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

// collect 記錄請求數樣本
func (m *MetricsCollector) collect() {
	if m.server == nil {
		return
	}

	sample := requestSample{
		timestamp: time.Now(),
		requests:  m.server.Stats().RequestCount.Load(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestHistory = append(m.requestHistory, sample)
	if len(m.requestHistory) > m.maxHistory {
		m.requestHistory = m.requestHistory[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).String(),
		EndCodes:  make(map[string]uint64),
	}
	if m.server == nil {
		return snapshot
	}

	stats := m.server.Stats()
	snapshot.ServerState = m.server.State().String()
	snapshot.ConnectionState = m.server.ConnectionState().String()
	snapshot.ServerStarted = stats.StartTime()
	snapshot.Connections = stats.Connections.Load()
	snapshot.TotalRequests = stats.RequestCount.Load()
	snapshot.TotalErrors = stats.ErrorCount.Load()
	snapshot.BytesReceived = stats.BytesReceived.Load()
	snapshot.BytesSent = stats.BytesSent.Load()
	for _, c := range stats.EndCodes() {
		snapshot.EndCodes[c.Code.String()] = c.Count
	}

	// 計算錯誤率
	if snapshot.TotalRequests > 0 {
		snapshot.ErrorRate = float64(snapshot.TotalErrors) / float64(snapshot.TotalRequests) * 100
	}

	// 計算每秒請求數 (使用最近的歷史記錄)
	m.mu.RLock()
	if len(m.requestHistory) >= 2 {
		first := m.requestHistory[0]
		last := m.requestHistory[len(m.requestHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.RequestsPerSec = float64(last.requests-first.requests) / duration
		}
	}
	m.mu.RUnlock()

	plc := m.server.PLC().Snapshot()
	snapshot.Banks = plc.Banks
	snapshot.Cells = plc.Cells
	snapshot.Labels = plc.Labels

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// 檢查 Accept header
	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "# HELP slmpsim_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE slmpsim_uptime_seconds gauge\n")
	fmt.Fprintf(w, "slmpsim_uptime_seconds %f\n\n", time.Since(m.startTime).Seconds())

	fmt.Fprintf(w, "# HELP slmpsim_connections_total Total accepted connections\n")
	fmt.Fprintf(w, "# TYPE slmpsim_connections_total counter\n")
	fmt.Fprintf(w, "slmpsim_connections_total %d\n\n", snapshot.Connections)

	fmt.Fprintf(w, "# HELP slmpsim_requests_total Total number of requests\n")
	fmt.Fprintf(w, "# TYPE slmpsim_requests_total counter\n")
	fmt.Fprintf(w, "slmpsim_requests_total %d\n\n", snapshot.TotalRequests)

	fmt.Fprintf(w, "# HELP slmpsim_errors_total Total number of error responses\n")
	fmt.Fprintf(w, "# TYPE slmpsim_errors_total counter\n")
	fmt.Fprintf(w, "slmpsim_errors_total %d\n\n", snapshot.TotalErrors)

	fmt.Fprintf(w, "# HELP slmpsim_responses_total Responses by end code\n")
	fmt.Fprintf(w, "# TYPE slmpsim_responses_total counter\n")
	for _, c := range m.server.Stats().EndCodes() {
		fmt.Fprintf(w, "slmpsim_responses_total{end_code=\"0x%04X\",name=\"%s\"} %d\n", uint16(c.Code), c.Code, c.Count)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP slmpsim_requests_per_second Requests per second\n")
	fmt.Fprintf(w, "# TYPE slmpsim_requests_per_second gauge\n")
	fmt.Fprintf(w, "slmpsim_requests_per_second %f\n\n", snapshot.RequestsPerSec)

	fmt.Fprintf(w, "# HELP slmpsim_bytes_received_total Total bytes received\n")
	fmt.Fprintf(w, "# TYPE slmpsim_bytes_received_total counter\n")
	fmt.Fprintf(w, "slmpsim_bytes_received_total %d\n\n", snapshot.BytesReceived)

	fmt.Fprintf(w, "# HELP slmpsim_bytes_sent_total Total bytes sent\n")
	fmt.Fprintf(w, "# TYPE slmpsim_bytes_sent_total counter\n")
	fmt.Fprintf(w, "slmpsim_bytes_sent_total %d\n\n", snapshot.BytesSent)

	fmt.Fprintf(w, "# HELP slmpsim_device_cells Initialized device words\n")
	fmt.Fprintf(w, "# TYPE slmpsim_device_cells gauge\n")
	fmt.Fprintf(w, "slmpsim_device_cells %d\n\n", snapshot.Cells)

	fmt.Fprintf(w, "# HELP slmpsim_labels Defined global labels\n")
	fmt.Fprintf(w, "# TYPE slmpsim_labels gauge\n")
	fmt.Fprintf(w, "slmpsim_labels %d\n", snapshot.Labels)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	if m.server == nil || m.server.State() != ServerStateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
