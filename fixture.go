package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Fixture 模擬器啟動與每次連線時載入的初始資料
type Fixture struct {
	Devices []DeviceSeed `yaml:"devices" toml:"devices" json:"devices"`
	Labels  []LabelSeed  `yaml:"labels" toml:"labels" json:"labels"`
}

// DeviceSeed 軟元件初始值
type DeviceSeed struct {
	Name    string   `yaml:"name,omitempty" toml:"name,omitempty" json:"name,omitempty"`
	Bank    string   `yaml:"bank" toml:"bank" json:"bank"`
	Address uint32   `yaml:"address" toml:"address" json:"address"`
	Type    Datatype `yaml:"type" toml:"type" json:"type"`
	Value   any      `yaml:"value" toml:"value" json:"value"`
}

// LabelSeed 標籤初始值
type LabelSeed struct {
	Name     string   `yaml:"name" toml:"name" json:"name"`
	Type     Datatype `yaml:"type" toml:"type" json:"type"`
	Value    any      `yaml:"value" toml:"value" json:"value"`
	Writable bool     `yaml:"writable" toml:"writable" json:"writable"`
}

// DefaultFixture 內建的 PLC 資料集
func DefaultFixture() *Fixture {
	return &Fixture{
		Devices: []DeviceSeed{
			{Name: "FirmwareVersion", Bank: "SD", Address: 160, Type: DatatypeWord, Value: 0xACF3},
			{Name: "ProductionInformation", Bank: "SD", Address: 164, Type: DatatypeString, Value: "123456789ABCDEFG"},
			{Name: "OperatingStatus", Bank: "SD", Address: 203, Type: DatatypeWord, Value: 0x03},

			{Name: "M-Device", Bank: "M", Address: 96, Type: DatatypeWord, Value: []any{1, 65535, 2, 65535}},
			{Name: "M-Bool-Device", Bank: "M", Address: 165, Type: DatatypeBool, Value: true},
			{Name: "M-Bool-Array-Device", Bank: "M", Address: 195, Type: DatatypeBool, Value: []any{false, true, false, true, false}},
			{Name: "M-Bool-Long-Array-Device", Bank: "M", Address: 232, Type: DatatypeBool, Value: []any{
				false, false, false, false, false, false, true, false, false, false,
				false, true, false, true, false, false, true, false, true, false,
			}},

			{Name: "D-Device", Bank: "D", Address: 100, Type: DatatypeWord, Value: 65530},
			{Name: "D-Bool-Device", Bank: "D", Address: 101, Type: DatatypeWord, Value: 0xABCD},
			{Name: "D-Double-Device", Bank: "D", Address: 102, Type: DatatypeDouble, Value: -5.1349230494293842315673828125e9},
			{Name: "D-DInt-Device", Bank: "D", Address: 106, Type: DatatypeDInt, Value: -2147483648},
			{Name: "D-Double-Array-Device", Bank: "D", Address: 108, Type: DatatypeDouble, Value: []any{1.0, -3.14159265350000005412312020781, 20.0, 10.0e10}},
			{Name: "D-String-Array-Device", Bank: "D", Address: 124, Type: DatatypeString, Value: "1234234534564567"},

			{Name: "U3E0-Device", Bank: "U3E0", Address: 100, Type: DatatypeWord, Value: 30},
			{Name: "U3E3-Int-Device", Bank: "U3E3", Address: 101, Type: DatatypeInt, Value: []any{-3, 5, -7, 9}},
			{Name: "G-Device", Bank: "U00A", Address: 100, Type: DatatypeInt, Value: []any{1, -1, 1, -1}},
			{Name: "G-Float-Device", Bank: "U00F", Address: 100, Type: DatatypeFloat, Value: -3.1415927410125732421875},
		},
		Labels: []LabelSeed{
			{Name: "bLabel", Type: DatatypeBool, Value: false, Writable: true},
			{Name: "bArrayLabel", Type: DatatypeBool, Value: []any{false, true, false, true}, Writable: true},
			{Name: "eLabel", Type: DatatypeDouble, Value: 5.0, Writable: true},
			{Name: "sLabel", Type: DatatypeString, Value: "Hallo", Writable: true},
			{Name: "sArrayLabel", Type: DatatypeString, Value: []any{"Hallo", "Hallo2", "Hallo3"}, Writable: false},
			{Name: "uLabel", Type: DatatypeWord, Value: []any{1, 3, 5, 7}, Writable: false},
			{Name: "wdLabel", Type: DatatypeDInt, Value: -31012121, Writable: true},
			{Name: "udLabel", Type: DatatypeDoubleWord, Value: 31012121, Writable: true},
		},
	}
}

// LoadFixture 依副檔名讀取 YAML / TOML / JSON 資料檔
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取資料檔失敗: %w", err)
	}
	f, err := ParseFixture(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, fmt.Errorf("解析資料檔 %s 失敗: %w", path, err)
	}
	return f, nil
}

// ParseFixture 依格式解析資料檔內容
func ParseFixture(data []byte, format string) (*Fixture, error) {
	f := &Fixture{}
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, err
		}
	case "toml":
		if err := toml.Unmarshal(data, f); err != nil {
			return nil, err
		}
	case "json":
		if err := json.Unmarshal(data, f); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("不支援的資料檔格式: %q", format)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Encode 以指定格式輸出資料檔
func (f *Fixture) Encode(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(f)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(f)
	default:
		return fmt.Errorf("不支援的資料檔格式: %q", format)
	}
}

// Validate 驗證資料檔，並實際套用到一份暫時的記憶體上確認值可編碼
func (f *Fixture) Validate() error {
	seen := make(map[string]bool, len(f.Labels))
	for _, l := range f.Labels {
		if seen[l.Name] {
			return fmt.Errorf("重複的標籤: %s", l.Name)
		}
		seen[l.Name] = true
	}
	_, _, err := f.Build()
	return err
}

// Build 依資料檔建立新的軟元件記憶體與標籤儲存區
func (f *Fixture) Build() (*DeviceMemory, *LabelRegistry, error) {
	mem := NewDeviceMemory()
	for i, seed := range f.Devices {
		if err := seed.apply(mem); err != nil {
			return nil, nil, fmt.Errorf("軟元件 #%d (%s%d): %w", i, seed.Bank, seed.Address, err)
		}
	}

	labels := NewLabelRegistry()
	for _, seed := range f.Labels {
		if err := labels.Define(seed.Name, seed.Value, seed.Type, seed.Writable); err != nil {
			return nil, nil, err
		}
	}
	return mem, labels, nil
}

// apply 將初始值寫入記憶體
// 位元軟元件上的布林值逐位元設定；其他類型在位元軟元件上每個字間隔 16 個位址
func (s DeviceSeed) apply(mem *DeviceMemory) error {
	if !validBankName(s.Bank) {
		return fmt.Errorf("未知的記憶體區: %q", s.Bank)
	}
	values := seedValues(s.Value)

	bitBank := false
	if dev, ok := LookupDeviceByName(s.Bank); ok && dev.Kind == DeviceKindBit {
		bitBank = true
	}

	if bitBank && s.Type == DatatypeBool {
		bits := make([]bool, len(values))
		for i, v := range values {
			b, err := toBool(v)
			if err != nil {
				return err
			}
			bits[i] = b
		}
		mem.SeedBits(s.Bank, s.Address, bits)
		return nil
	}

	var raw []byte
	for _, v := range values {
		b, err := s.Type.Encode(v)
		if err != nil {
			return err
		}
		raw = append(raw, b...)
	}

	step := uint32(1)
	if bitBank {
		step = 16
	}
	mem.Seed(s.Bank, s.Address, bytesToWords(raw), step)
	return nil
}

// validBankName 記憶體區名稱必須是軟元件表中的名稱，或 U 開頭的模組/CPU 緩衝記憶體區
func validBankName(name string) bool {
	if _, ok := LookupDeviceByName(name); ok {
		return true
	}
	if len(name) != 4 || name[0] != 'U' {
		return false
	}
	for _, c := range name[1:] {
		if !strings.ContainsRune("0123456789ABCDEF", c) {
			return false
		}
	}
	return true
}

func seedValues(v any) []any {
	if items, ok := v.([]any); ok {
		return items
	}
	return []any{v}
}
