package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Label 全域標籤
type Label struct {
	Name     string
	Value    any // 純量、[]byte 字串，或 []any 陣列
	Type     Datatype
	Writable bool
}

// IsArray 判斷標籤值是否為陣列
func (l *Label) IsArray() bool {
	_, ok := l.Value.([]any)
	return ok
}

// LabelRef 解析後的標籤參照
type LabelRef struct {
	Name    string
	Index   int
	Indexed bool
}

func (r LabelRef) String() string {
	if r.Indexed {
		return fmt.Sprintf("%s[%d]", r.Name, r.Index)
	}
	return r.Name
}

// ResolveLabelName 以縮寫表取代 %1…%n，再拆出結尾的 [i] 索引
func ResolveLabelName(raw string, abbreviations []string) (LabelRef, error) {
	name := raw
	// 由大到小取代，避免 %1 先吃掉 %10 的前綴
	for i := len(abbreviations); i >= 1; i-- {
		name = strings.ReplaceAll(name, "%"+strconv.Itoa(i), abbreviations[i-1])
	}

	open := strings.LastIndexByte(name, '[')
	if open < 0 || !strings.HasSuffix(name, "]") {
		return LabelRef{Name: name}, nil
	}

	idx, err := strconv.Atoi(name[open+1 : len(name)-1])
	if err != nil || idx < 0 {
		return LabelRef{}, newFault(FaultIndexing, "無效的陣列索引: %q", raw)
	}
	return LabelRef{Name: name[:open], Index: idx, Indexed: true}, nil
}

// LabelRegistry 標籤儲存區
type LabelRegistry struct {
	labels map[string]*Label
}

// NewLabelRegistry 建立空的標籤儲存區
func NewLabelRegistry() *LabelRegistry {
	return &LabelRegistry{labels: make(map[string]*Label)}
}

// Define 定義標籤，值會先依資料類型正規化
func (r *LabelRegistry) Define(name string, value any, dt Datatype, writable bool) error {
	if name == "" {
		return fmt.Errorf("標籤名稱不可為空")
	}
	normalized, err := normalizeLabelValue(value, dt)
	if err != nil {
		return fmt.Errorf("標籤 %s: %w", name, err)
	}
	r.labels[name] = &Label{
		Name:     name,
		Value:    normalized,
		Type:     dt,
		Writable: writable,
	}
	return nil
}

// Get 取得標籤定義
func (r *LabelRegistry) Get(name string) (*Label, bool) {
	l, ok := r.labels[name]
	return l, ok
}

// Names 列出所有標籤名稱
func (r *LabelRegistry) Names() []string {
	names := make([]string, 0, len(r.labels))
	for name := range r.labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len 回傳標籤數量
func (r *LabelRegistry) Len() int {
	return len(r.labels)
}

// Read 讀取標籤值；有索引時標籤值必須為陣列
func (r *LabelRegistry) Read(ref LabelRef) (any, Datatype, error) {
	l, ok := r.labels[ref.Name]
	if !ok {
		return nil, 0, newFault(FaultUnknownLabel, "標籤不存在: %s", ref.Name)
	}
	if !ref.Indexed {
		return l.Value, l.Type, nil
	}
	elems, err := l.elements(ref)
	if err != nil {
		return nil, 0, err
	}
	return elems[ref.Index], l.Type, nil
}

// Write 以原始位元組寫入標籤；純量寫入取代整個值，索引寫入只取代該元素
func (r *LabelRegistry) Write(ref LabelRef, raw []byte) error {
	l, ok := r.labels[ref.Name]
	if !ok {
		return newFault(FaultUnknownLabel, "標籤不存在: %s", ref.Name)
	}
	if !l.Writable {
		return newFault(FaultNotWritable, "標籤不可寫入: %s", ref.Name)
	}

	value, err := l.Type.Decode(raw)
	if err != nil {
		return err
	}

	if !ref.Indexed {
		l.Value = value
		return nil
	}
	elems, err := l.elements(ref)
	if err != nil {
		return err
	}
	elems[ref.Index] = value
	return nil
}

func (l *Label) elements(ref LabelRef) ([]any, error) {
	elems, ok := l.Value.([]any)
	if !ok {
		return nil, newFault(FaultIndexing, "標籤 %s 不是陣列", l.Name)
	}
	if ref.Index < 0 || ref.Index >= len(elems) {
		return nil, newFault(FaultIndexing, "索引超出範圍: %s (長度 %d)", ref, len(elems))
	}
	return elems, nil
}

// normalizeLabelValue 經過編碼再解碼，將值轉為資料類型的標準 Go 型別
func normalizeLabelValue(value any, dt Datatype) (any, error) {
	if items, ok := value.([]any); ok {
		out := make([]any, len(items))
		for i, item := range items {
			v, err := normalizeScalar(item, dt)
			if err != nil {
				return nil, fmt.Errorf("元素 %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	}
	return normalizeScalar(value, dt)
}

func normalizeScalar(value any, dt Datatype) (any, error) {
	raw, err := dt.Encode(value)
	if err != nil {
		return nil, err
	}
	return dt.Decode(raw)
}
