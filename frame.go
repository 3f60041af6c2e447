package main

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// 請求標頭中各欄位相對於副標頭區塊結尾的偏移
const (
	offsetNetwork   = 0
	offsetPC        = 1
	offsetIO        = 2
	offsetStation   = 4
	offsetLength    = 5
	offsetTimer     = 7
	offsetCommand   = 9
	offsetSubcmd    = 11
	requestOverhead = 13
)

// defaultResponseSerial 無法辨識副標頭時使用的回應序號區塊
var defaultResponseSerial = []byte{0xD0, 0x00}

// Frame 解碼後的 SLMP 請求
type Frame struct {
	Subheader  uint16
	Serial     []byte // 回應用的副標頭區塊 (3E: 2 bytes, 4E: 6 bytes)
	SerialNo   uint16
	Command    uint16
	Subcommand uint16
	Selector   byte
	Payload    []byte
}

// headerLength 依副標頭回傳回應序號區塊長度，同時也是請求副標頭區塊長度
func headerLength(subheader uint16) int {
	switch subheader {
	case Subheader4E, Subheader4EAlt:
		return 6
	default:
		return 2
	}
}

// DecodeFrame 解碼單一請求訊框
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < 2 {
		return Frame{}, errShortPayload("副標頭", len(data), 2)
	}

	f := Frame{Subheader: binary.LittleEndian.Uint16(data[0:2])}
	head := headerLength(f.Subheader)

	code, ok := responseSubheader(f.Subheader)
	if !ok {
		f.Serial = append([]byte(nil), defaultResponseSerial...)
		return f, newFault(FaultMalformedFrame, "未知的副標頭: 0x%04X", f.Subheader)
	}

	f.Serial = serialBlock(code, head, data)
	if len(data) < head+requestOverhead {
		return f, errShortPayload("請求標頭", len(data), head+requestOverhead)
	}

	if head == 6 {
		f.SerialNo = binary.LittleEndian.Uint16(data[2:4])
	}

	base := head
	length := int(binary.LittleEndian.Uint16(data[base+offsetLength:]))
	f.Command = binary.LittleEndian.Uint16(data[base+offsetCommand:])
	f.Subcommand = binary.LittleEndian.Uint16(data[base+offsetSubcmd:])

	end := base + offsetTimer + length
	if end > len(data) || end < base+requestOverhead {
		end = len(data)
	}
	f.Payload = append([]byte(nil), data[base+requestOverhead:end]...)
	if len(f.Payload) > 0 {
		f.Selector = f.Payload[0]
	}
	return f, nil
}

// serialBlock 組出回應序號區塊；4E 會帶回請求的序號
func serialBlock(code byte, head int, data []byte) []byte {
	serial := make([]byte, head)
	serial[0] = code
	if head == 6 && len(data) >= 4 {
		serial[2] = data[2]
		serial[3] = data[3]
	}
	return serial
}

// EncodeResponse 組出成功回應；長度欄位等於結束碼加上資料的位元組數
func EncodeResponse(serial []byte, payload []byte) []byte {
	return encodeResponse(serial, EndCodeSuccess, payload)
}

// EncodeError 組出錯誤回應，長度固定為 2 (僅結束碼)
func EncodeError(serial []byte, code EndCode) []byte {
	return encodeResponse(serial, code, nil)
}

func encodeResponse(serial []byte, code EndCode, payload []byte) []byte {
	if len(serial) == 0 {
		serial = defaultResponseSerial
	}
	out := make([]byte, 0, len(serial)+9+len(payload))
	out = append(out, serial...)
	out = append(out, 0x00, 0x00, 0x00, 0x00, 0x00) // network, PC, I/O, station
	out = binary.LittleEndian.AppendUint16(out, uint16(len(payload)+2))
	out = binary.LittleEndian.AppendUint16(out, uint16(code))
	return append(out, payload...)
}

// ResponseEndCode 取出回應中的結束碼與資料
func ResponseEndCode(resp []byte) (EndCode, []byte, error) {
	if len(resp) < 2 {
		return 0, nil, errShortPayload("回應", len(resp), 2)
	}
	head := 2
	if resp[0] == 0xD4 || resp[0] == 0xE8 {
		head = 6
	}
	if len(resp) < head+9 {
		return 0, nil, errShortPayload("回應", len(resp), head+9)
	}
	length := int(binary.LittleEndian.Uint16(resp[head+5:]))
	if head+7+length > len(resp) || length < 2 {
		return 0, nil, newFault(FaultMalformedFrame, "回應長度欄位 %d 與實際長度 %d 不符", length, len(resp)-head-7)
	}
	code := EndCode(binary.LittleEndian.Uint16(resp[head+7:]))
	return code, resp[head+9 : head+7+length], nil
}

// EncodeRequest 組出 SLMP 請求訊框，供 probe 指令與測試使用
func EncodeRequest(subheader uint16, serialNo uint16, command, subcommand uint16, payload []byte) []byte {
	head := headerLength(subheader)
	out := make([]byte, 0, head+requestOverhead+len(payload))
	out = binary.LittleEndian.AppendUint16(out, subheader)
	if head == 6 {
		out = binary.LittleEndian.AppendUint16(out, serialNo)
		out = append(out, 0x00, 0x00)
	}
	out = append(out, 0x00, 0xFF)                       // network, PC
	out = binary.LittleEndian.AppendUint16(out, 0x03FF) // I/O
	out = append(out, 0x00)                             // station
	out = binary.LittleEndian.AppendUint16(out, uint16(timerLength+4+len(payload)))
	out = binary.LittleEndian.AppendUint16(out, MonitoringTimer)
	out = binary.LittleEndian.AppendUint16(out, command)
	out = binary.LittleEndian.AppendUint16(out, subcommand)
	return append(out, payload...)
}

// splitFrame 從 TCP 串流緩衝區切出第一個完整的請求訊框
//
// 回傳 (訊框, 已消耗位元組數)；資料不足時回傳 (nil, 0)。
// 無法辨識的副標頭會把剩餘緩衝區整個當作一個訊框交給解碼器回報錯誤。
func splitFrame(buf []byte) ([]byte, int) {
	if len(buf) < 2 {
		return nil, 0
	}
	subheader := binary.LittleEndian.Uint16(buf[0:2])
	if _, ok := responseSubheader(subheader); !ok {
		return buf, len(buf)
	}
	head := headerLength(subheader)
	if len(buf) < head+offsetTimer {
		return nil, 0
	}
	total := head + offsetTimer + int(binary.LittleEndian.Uint16(buf[head+offsetLength:]))
	if len(buf) < total {
		return nil, 0
	}
	return buf[:total], total
}

// --- 標籤資料編碼 ---

// labelByteCount 回傳標籤值在讀取回應中的位元組數
// 字串為大於長度的下一個偶數 (保留結尾 NUL)
func labelByteCount(dt Datatype, value any) int {
	if dt != DatatypeString {
		return dt.Width()
	}
	s, _ := value.([]byte)
	return (len(s) + 2) / 2 * 2
}

// encodeLabelValue 組出單一標籤的讀取回應片段: 類型代碼、位元組數、值
func encodeLabelValue(dt Datatype, value any) ([]byte, error) {
	count := labelByteCount(dt, value)
	out := []byte{dt.WireCode()}
	out = binary.LittleEndian.AppendUint16(out, uint16(count))

	if dt == DatatypeString {
		s, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("字串標籤值型別錯誤: %T", value)
		}
		padded := append(append([]byte(nil), s...), 0x00, 0x00)
		return append(out, padded[:count]...), nil
	}

	raw, err := dt.Encode(value)
	if err != nil {
		return nil, err
	}
	return append(out, raw...), nil
}

// --- 欄位讀取 ---

// payloadReader 依序讀取 little-endian 欄位，長度不足時回報 WrongLength
type payloadReader struct {
	data []byte
	pos  int
	what string
}

func newPayloadReader(data []byte, what string) *payloadReader {
	return &payloadReader{data: data, what: what}
}

func (r *payloadReader) need(n int) error {
	if r.pos+n > len(r.data) {
		return errShortPayload(r.what, len(r.data), r.pos+n)
	}
	return nil
}

func (r *payloadReader) uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *payloadReader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// utf16String 讀取 u16 字元數與 UTF-16LE 字串
func (r *payloadReader) utf16String() (string, error) {
	chars, err := r.uint16()
	if err != nil {
		return "", err
	}
	raw, err := r.bytes(int(chars) * 2)
	if err != nil {
		return "", err
	}
	units := make([]uint16, chars)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// appendUTF16String 寫入 u16 字元數與 UTF-16LE 字串
func appendUTF16String(out []byte, s string) []byte {
	units := utf16.Encode([]rune(s))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(units)))
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out
}
