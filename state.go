package main

import (
	"fmt"
	"sync"
)

// State 模擬器的完整記憶體狀態 (軟元件與標籤)
//
// 同一時間只服務一條 SLMP 連線；鎖的存在是為了讓指標與 Modbus 監看介面
// 在處理請求期間取得一致的快照。
type State struct {
	mu      sync.Mutex
	devices *DeviceMemory
	labels  *LabelRegistry
	fixture *Fixture
}

// NewState 以資料集建立狀態
func NewState(fixture *Fixture) (*State, error) {
	if fixture == nil {
		fixture = DefaultFixture()
	}
	s := &State{fixture: fixture}
	if err := s.Reset(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reset 丟棄所有寫入，重新載入資料集
func (s *State) Reset() error {
	devices, labels, err := s.fixture.Build()
	if err != nil {
		return fmt.Errorf("載入資料集失敗: %w", err)
	}

	s.mu.Lock()
	s.devices = devices
	s.labels = labels
	s.mu.Unlock()
	return nil
}

// Do 在持有鎖的情況下存取記憶體
func (s *State) Do(fn func(devices *DeviceMemory, labels *LabelRegistry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.devices, s.labels)
}

// Snapshot 狀態摘要
type Snapshot struct {
	Banks  []string
	Cells  int
	Labels int
}

// Snapshot 取得狀態摘要
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Banks:  s.devices.Banks(),
		Cells:  s.devices.CellCount(),
		Labels: s.labels.Len(),
	}
}
