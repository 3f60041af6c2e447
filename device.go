package main

import (
	"fmt"
	"sort"
)

// Device 軟元件定義
type Device struct {
	Code uint16
	Name string
	Kind DeviceKind
}

// deviceTable 軟元件代碼對照表
var deviceTable = map[uint16]Device{
	0x00: {0x00, "None", DeviceKindBit},
	0x91: {0x91, "SM", DeviceKindBit},
	0xA9: {0xA9, "SD", DeviceKindWord},
	0x9C: {0x9C, "X", DeviceKindBit},
	0x9D: {0x9D, "Y", DeviceKindBit},
	0x90: {0x90, "M", DeviceKindBit},
	0x92: {0x92, "L", DeviceKindBit},
	0x93: {0x93, "F", DeviceKindBit},
	0x94: {0x94, "V", DeviceKindBit},
	0xA0: {0xA0, "B", DeviceKindBit},
	0xA8: {0xA8, "D", DeviceKindWord},
	0xB4: {0xB4, "W", DeviceKindWord},
	0xC1: {0xC1, "TS", DeviceKindBit},
	0xC0: {0xC0, "TC", DeviceKindBit},
	0xC2: {0xC2, "TN", DeviceKindWord},
	0xC7: {0xC7, "STS", DeviceKindBit},
	0xC6: {0xC6, "STC", DeviceKindBit},
	0xC8: {0xC8, "STN", DeviceKindWord},
	0xC4: {0xC4, "CS", DeviceKindBit},
	0xC3: {0xC3, "CC", DeviceKindBit},
	0xC5: {0xC5, "CN", DeviceKindWord},
	0xA1: {0xA1, "SB", DeviceKindBit},
	0xB5: {0xB5, "SW", DeviceKindWord},
	0xA2: {0xA2, "DX", DeviceKindBit},
	0xA3: {0xA3, "DY", DeviceKindBit},
	0xCC: {0xCC, "Z", DeviceKindWord},
	0xAF: {0xAF, "R", DeviceKindWord},
	0xB0: {0xB0, "ZR", DeviceKindWord},
	0xAB: {0xAB, "G", DeviceKindWord},
	0x2E: {0x2E, "HG", DeviceKindWord},
}

// LookupDevice 依代碼查詢軟元件
func LookupDevice(code uint16) (Device, error) {
	dev, ok := deviceTable[code]
	if !ok {
		return Device{}, newFault(FaultDeviceLookup, "未知的軟元件代碼: 0x%02X", code)
	}
	return dev, nil
}

// LookupDeviceByName 依名稱查詢軟元件
func LookupDeviceByName(name string) (Device, bool) {
	for _, dev := range deviceTable {
		if dev.Name == name {
			return dev, true
		}
	}
	return Device{}, false
}

// cpuBufferBanks CPU 緩衝記憶體的擴充指定
var cpuBufferBanks = map[uint16]string{
	0x03E0: "U3E0",
	0x03E1: "U3E1",
	0x03E2: "U3E2",
	0x03E3: "U3E3",
}

// BankOverride 擴充位址指定，選擇模組或 CPU 緩衝記憶體區
type BankOverride struct {
	Specification uint16
	Type          byte
}

// BankName 回傳擴充指定對應的記憶體區名稱
func (o BankOverride) BankName() (string, error) {
	switch o.Type {
	case ExtensionTypeModule:
		return fmt.Sprintf("U%03X", o.Specification), nil
	case ExtensionTypeCPUBuffer:
		name, ok := cpuBufferBanks[o.Specification]
		if !ok {
			return "", newFault(FaultDeviceLookup, "未知的 CPU 緩衝記憶體: 0x%04X", o.Specification)
		}
		return name, nil
	default:
		return "", newFault(FaultUnsupportedCommand, "不支援的擴充類型: 0x%02X", o.Type)
	}
}

// DeviceMemory 軟元件記憶體，依記憶體區名稱儲存字位址到 16 位元值
type DeviceMemory struct {
	banks map[string]map[uint32]uint16
}

// NewDeviceMemory 建立記憶體，軟元件表中每個軟元件各有一個空的記憶體區
func NewDeviceMemory() *DeviceMemory {
	m := &DeviceMemory{banks: make(map[string]map[uint32]uint16)}
	for _, dev := range deviceTable {
		m.banks[dev.Name] = make(map[uint32]uint16)
	}
	return m
}

// --- 初始化 (fixture) ---

// Seed 從指定位址起依序寫入字，step 為每個字的位址間隔
func (m *DeviceMemory) Seed(bank string, addr uint32, words []uint16, step uint32) {
	cells := m.ensureBank(bank)
	if step == 0 {
		step = 1
	}
	for i, w := range words {
		cells[addr+uint32(i)*step] = w
	}
}

// SeedBits 在位元記憶體區中設定位元，並將涵蓋範圍內的每個字初始化
func (m *DeviceMemory) SeedBits(bank string, addr uint32, bits []bool) {
	cells := m.ensureBank(bank)
	span := uint32((len(bits) + 15) / 16 * 16)
	for a := addr; a < addr+span; a++ {
		word := wordAddress(a)
		if _, ok := cells[word]; !ok {
			cells[word] = 0
		}
	}
	for i, b := range bits {
		a := addr + uint32(i)
		if b {
			cells[wordAddress(a)] |= 1 << (a % 16)
		}
	}
}

func (m *DeviceMemory) ensureBank(bank string) map[uint32]uint16 {
	cells, ok := m.banks[bank]
	if !ok {
		cells = make(map[uint32]uint16)
		m.banks[bank] = cells
	}
	return cells
}

// --- 讀取 ---

// ReadWords 讀取連續的字；override 不為 nil 時改由模組或 CPU 緩衝記憶體區讀取
func (m *DeviceMemory) ReadWords(dev Device, start uint32, count int, override *BankOverride) ([]uint16, error) {
	cells, bank, err := m.resolve(dev, override)
	if err != nil {
		return nil, err
	}

	result := make([]uint16, count)
	for i := range result {
		addr := start + uint32(i)
		v, ok := cells[addr]
		if !ok {
			return nil, newFault(FaultDeviceLookup, "%s%d 未初始化", bank, addr)
		}
		result[i] = v
	}
	return result, nil
}

// ReadBits 讀取位元軟元件，依所在的 16 位元字取出對應位元後攤平成位元序列
func (m *DeviceMemory) ReadBits(dev Device, start uint32, count int) ([]bool, error) {
	cells, bank, err := m.resolve(dev, nil)
	if err != nil {
		return nil, err
	}

	result := make([]bool, 0, count)
	if count <= 0 {
		return result, nil
	}
	end := start + uint32(count)
	for word := wordAddress(start); word < end; word += 16 {
		v, ok := cells[word]
		if !ok {
			return nil, newFault(FaultDeviceLookup, "%s%d 未初始化", bank, word)
		}
		// 頭尾的字只取部分位元
		from := uint32(0)
		if word < start {
			from = start - word
		}
		to := uint32(16)
		if word+16 > end {
			to = end - word
		}
		for bit := from; bit < to; bit++ {
			result = append(result, v&(1<<bit) != 0)
		}
	}
	return result, nil
}

// --- 寫入 ---

// WriteWords 以字為單位寫入；位元軟元件以 step=16 每個字寫入 16 個位元
func (m *DeviceMemory) WriteWords(dev Device, start uint32, values []uint16, override *BankOverride, step uint32) error {
	cells, _, err := m.resolve(dev, override)
	if err != nil {
		return err
	}
	if step == 0 {
		step = 1
	}
	for i, v := range values {
		cells[start+uint32(i)*step] = v
	}
	return nil
}

// WriteBits 以位元為單位寫入，只改動目標位元，同一字內其他 15 個位元保持不變
func (m *DeviceMemory) WriteBits(dev Device, start uint32, values []bool) error {
	cells, bank, err := m.resolve(dev, nil)
	if err != nil {
		return err
	}

	// 先確認所有涉及的字都存在，避免寫到一半失敗
	for i := range values {
		word := wordAddress(start + uint32(i))
		if _, ok := cells[word]; !ok {
			return newFault(FaultDeviceLookup, "%s%d 未初始化", bank, word)
		}
	}

	for i, v := range values {
		addr := start + uint32(i)
		mask := uint16(1) << (addr % 16)
		if v {
			cells[wordAddress(addr)] |= mask
		} else {
			cells[wordAddress(addr)] &^= mask
		}
	}
	return nil
}

// --- 檢視 ---

// Peek 讀取單一字，不存在時回傳 false
func (m *DeviceMemory) Peek(bank string, addr uint32) (uint16, bool) {
	cells, ok := m.banks[bank]
	if !ok {
		return 0, false
	}
	v, ok := cells[addr]
	return v, ok
}

// Banks 列出所有非空的記憶體區名稱
func (m *DeviceMemory) Banks() []string {
	names := make([]string, 0, len(m.banks))
	for name, cells := range m.banks {
		if len(cells) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// CellCount 回傳所有已初始化的字數量
func (m *DeviceMemory) CellCount() int {
	total := 0
	for _, cells := range m.banks {
		total += len(cells)
	}
	return total
}

func (m *DeviceMemory) resolve(dev Device, override *BankOverride) (map[uint32]uint16, string, error) {
	bank := dev.Name
	if override != nil {
		name, err := override.BankName()
		if err != nil {
			return nil, "", err
		}
		bank = name
	}
	cells, ok := m.banks[bank]
	if !ok {
		return nil, "", newFault(FaultDeviceLookup, "記憶體區 %s 不存在", bank)
	}
	return cells, bank, nil
}

// wordAddress 回傳位元位址所在字的起始位址
func wordAddress(bitAddr uint32) uint32 {
	return bitAddr / 16 * 16
}
