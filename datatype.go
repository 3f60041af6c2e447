package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Datatype 標籤與軟元件的資料類型
type Datatype int

const (
	DatatypeBool Datatype = iota
	DatatypeWord
	DatatypeDoubleWord
	DatatypeInt
	DatatypeDInt
	DatatypeFloat
	DatatypeDouble
	DatatypeString
)

// datatypeInfo 資料類型靜態描述
type datatypeInfo struct {
	name     string
	wireCode byte
	width    int // 0 代表可變長度
	encode   func(v any) ([]byte, error)
	decode   func(b []byte) any
}

var datatypeCatalog = [...]datatypeInfo{
	DatatypeBool: {
		name: "bool", wireCode: 0x01, width: 2,
		encode: func(v any) ([]byte, error) {
			b, err := toBool(v)
			if err != nil {
				return nil, err
			}
			var u uint16
			if b {
				u = 1
			}
			return binary.LittleEndian.AppendUint16(nil, u), nil
		},
		decode: func(b []byte) any { return binary.LittleEndian.Uint16(b) != 0 },
	},
	DatatypeWord: {
		name: "word", wireCode: 0x02, width: 2,
		encode: func(v any) ([]byte, error) {
			n, err := toInt64(v)
			if err != nil {
				return nil, err
			}
			return binary.LittleEndian.AppendUint16(nil, uint16(n)), nil
		},
		decode: func(b []byte) any { return binary.LittleEndian.Uint16(b) },
	},
	DatatypeDoubleWord: {
		name: "dword", wireCode: 0x03, width: 4,
		encode: func(v any) ([]byte, error) {
			n, err := toInt64(v)
			if err != nil {
				return nil, err
			}
			return binary.LittleEndian.AppendUint32(nil, uint32(n)), nil
		},
		decode: func(b []byte) any { return binary.LittleEndian.Uint32(b) },
	},
	DatatypeInt: {
		name: "int", wireCode: 0x04, width: 2,
		encode: func(v any) ([]byte, error) {
			n, err := toInt64(v)
			if err != nil {
				return nil, err
			}
			return binary.LittleEndian.AppendUint16(nil, uint16(int16(n))), nil
		},
		decode: func(b []byte) any { return int16(binary.LittleEndian.Uint16(b)) },
	},
	DatatypeDInt: {
		name: "dint", wireCode: 0x05, width: 4,
		encode: func(v any) ([]byte, error) {
			n, err := toInt64(v)
			if err != nil {
				return nil, err
			}
			return binary.LittleEndian.AppendUint32(nil, uint32(int32(n))), nil
		},
		decode: func(b []byte) any { return int32(binary.LittleEndian.Uint32(b)) },
	},
	DatatypeFloat: {
		name: "float", wireCode: 0x06, width: 4,
		encode: func(v any) ([]byte, error) {
			f, err := toFloat64(v)
			if err != nil {
				return nil, err
			}
			return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
		},
		decode: func(b []byte) any { return math.Float32frombits(binary.LittleEndian.Uint32(b)) },
	},
	DatatypeDouble: {
		name: "double", wireCode: 0x07, width: 8,
		encode: func(v any) ([]byte, error) {
			f, err := toFloat64(v)
			if err != nil {
				return nil, err
			}
			return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), nil
		},
		decode: func(b []byte) any { return math.Float64frombits(binary.LittleEndian.Uint64(b)) },
	},
	DatatypeString: {
		name: "string", wireCode: 0x09, width: 0,
		encode: func(v any) ([]byte, error) {
			switch s := v.(type) {
			case []byte:
				return append([]byte(nil), s...), nil
			case string:
				return []byte(s), nil
			default:
				return nil, fmt.Errorf("無法將 %T 轉換為字串", v)
			}
		},
		decode: func(b []byte) any { return append([]byte(nil), b...) },
	},
}

func (d Datatype) valid() bool {
	return d >= DatatypeBool && d <= DatatypeString
}

func (d Datatype) String() string {
	if !d.valid() {
		return "unknown"
	}
	return datatypeCatalog[d].name
}

// Width 回傳固定寬度 (bytes)，字串為 0
func (d Datatype) Width() int {
	if !d.valid() {
		return 0
	}
	return datatypeCatalog[d].width
}

// WireCode 回傳標籤讀取回應中使用的類型代碼
func (d Datatype) WireCode() byte {
	if !d.valid() {
		return 0
	}
	return datatypeCatalog[d].wireCode
}

// Encode 將值編碼為 little-endian 位元組，數值超出寬度時截斷
func (d Datatype) Encode(v any) ([]byte, error) {
	if !d.valid() {
		return nil, fmt.Errorf("未知的資料類型: %d", int(d))
	}
	b, err := datatypeCatalog[d].encode(v)
	if err != nil {
		return nil, fmt.Errorf("編碼 %s 失敗: %w", d, err)
	}
	return b, nil
}

// Decode 將位元組解碼為該類型的標準 Go 值
func (d Datatype) Decode(b []byte) (any, error) {
	if !d.valid() {
		return nil, fmt.Errorf("未知的資料類型: %d", int(d))
	}
	if w := d.Width(); len(b) < w {
		return nil, errShortPayload(d.String(), len(b), w)
	}
	return datatypeCatalog[d].decode(b), nil
}

// ParseDatatype 解析資料類型名稱
func ParseDatatype(s string) (Datatype, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "bit":
		return DatatypeBool, nil
	case "word", "uint16":
		return DatatypeWord, nil
	case "dword", "doubleword", "uint32":
		return DatatypeDoubleWord, nil
	case "int", "int16":
		return DatatypeInt, nil
	case "dint", "int32":
		return DatatypeDInt, nil
	case "float", "float32", "real":
		return DatatypeFloat, nil
	case "double", "float64", "lreal":
		return DatatypeDouble, nil
	case "string":
		return DatatypeString, nil
	default:
		return 0, fmt.Errorf("未知的資料類型: %q", s)
	}
}

// MarshalText 讓資料類型在設定檔中以名稱表示
func (d Datatype) MarshalText() ([]byte, error) {
	if !d.valid() {
		return nil, fmt.Errorf("未知的資料類型: %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText 由名稱解析資料類型
func (d *Datatype) UnmarshalText(text []byte) error {
	parsed, err := ParseDatatype(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// --- 值轉換 ---

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("無法將 %T 轉換為整數", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		i, err := toInt64(v)
		if err != nil {
			return 0, fmt.Errorf("無法將 %T 轉換為浮點數", v)
		}
		return float64(i), nil
	}
}

func toBool(v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return false, fmt.Errorf("無法將 %T 轉換為布林值", v)
	}
	return n != 0, nil
}

// bytesToWords 將位元組以 little-endian 每兩個組成一個字，奇數長度補零
func bytesToWords(data []byte) []uint16 {
	words := make([]uint16, (len(data)+1)/2)
	for i := range words {
		lo := uint16(data[i*2])
		var hi uint16
		if i*2+1 < len(data) {
			hi = uint16(data[i*2+1])
		}
		words[i] = lo | hi<<8
	}
	return words
}

// wordsToBytes 將字以 little-endian 展開為位元組
func wordsToBytes(words []uint16) []byte {
	data := make([]byte, 0, len(words)*2)
	for _, w := range words {
		data = binary.LittleEndian.AppendUint16(data, w)
	}
	return data
}
