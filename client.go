package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Client 簡易 SLMP 用戶端，供 probe 指令與端對端測試使用
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	subheader uint16
	serialNo  uint16
	timeout   time.Duration
}

// DialClient 連線到 SLMP 伺服器；subheader 為 Subheader3E / Subheader4E / Subheader4EAlt
func DialClient(ctx context.Context, address string, subheader uint16) (*Client, error) {
	if _, ok := responseSubheader(subheader); !ok {
		return nil, fmt.Errorf("未知的副標頭: 0x%04X", subheader)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("連線 %s 失敗: %w", address, err)
	}
	return &Client{
		conn:      conn,
		subheader: subheader,
		timeout:   5 * time.Second,
	}, nil
}

// Close 關閉連線
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do 送出一個請求並等待回應，回傳結束碼與回應資料
func (c *Client) Do(command, subcommand uint16, payload []byte) (EndCode, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.serialNo++
	req := EncodeRequest(c.subheader, c.serialNo, command, subcommand, payload)
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, nil, err
	}
	if _, err := c.conn.Write(req); err != nil {
		return 0, nil, fmt.Errorf("送出請求失敗: %w", err)
	}

	resp, err := readResponse(c.conn)
	if err != nil {
		return 0, nil, err
	}
	return ResponseEndCode(resp)
}

// readResponse 依長度欄位讀取一個完整回應
func readResponse(r io.Reader) ([]byte, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("讀取回應失敗: %w", err)
	}
	serialLen := 2
	if head[0] == 0xD4 || head[0] == 0xE8 {
		serialLen = 6
	}

	rest := make([]byte, serialLen-2+7)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("讀取回應標頭失敗: %w", err)
	}
	resp := append(head, rest...)
	length := int(binary.LittleEndian.Uint16(resp[serialLen+5:]))

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("讀取回應資料失敗: %w", err)
	}
	return append(resp, body...), nil
}

// --- 請求資料 ---

// DeviceAccessPayload 一般軟元件存取: 3 bytes 起始位址、軟元件代碼、點數、寫入資料
func DeviceAccessPayload(dev Device, head uint32, count uint16, data []byte) []byte {
	out := []byte{byte(head), byte(head >> 8), byte(head >> 16), byte(dev.Code)}
	out = binary.LittleEndian.AppendUint16(out, count)
	return append(out, data...)
}

// ExtensionAccessPayload 擴充位址指定的軟元件存取
func ExtensionAccessPayload(dev Device, head uint32, override BankOverride, count uint16, words []uint16) []byte {
	out := []byte{0x00, 0x00}
	out = binary.LittleEndian.AppendUint32(out, head)
	out = binary.LittleEndian.AppendUint16(out, dev.Code)
	out = append(out, 0x00, 0x00)
	out = binary.LittleEndian.AppendUint16(out, override.Specification)
	out = append(out, override.Type)
	out = binary.LittleEndian.AppendUint16(out, count)
	return append(out, wordsToBytes(words)...)
}

// LabelWrite 單一標籤寫入項目
type LabelWrite struct {
	Name string
	Data []byte
}

// LabelReadPayload 標籤讀取請求
func LabelReadPayload(names []string, abbreviations []string) []byte {
	out := labelHeader(len(names), abbreviations)
	for _, name := range names {
		out = appendUTF16String(out, name)
	}
	return out
}

// LabelWritePayload 標籤寫入請求
func LabelWritePayload(points []LabelWrite, abbreviations []string) []byte {
	out := labelHeader(len(points), abbreviations)
	for _, p := range points {
		out = appendUTF16String(out, p.Name)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(p.Data)))
		out = append(out, p.Data...)
	}
	return out
}

func labelHeader(points int, abbreviations []string) []byte {
	out := binary.LittleEndian.AppendUint16(nil, uint16(points))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(abbreviations)))
	for _, a := range abbreviations {
		out = appendUTF16String(out, a)
	}
	return out
}

// LoopbackPayload 迴路測試請求
func LoopbackPayload(data []byte) []byte {
	out := binary.LittleEndian.AppendUint16(nil, uint16(len(data)))
	return append(out, data...)
}

// LabelValue 標籤讀取回應中的單一值
type LabelValue struct {
	WireCode byte
	Data     []byte
}

// ParseLabelReadResponse 解析標籤讀取回應
func ParseLabelReadResponse(data []byte) ([]LabelValue, error) {
	r := newPayloadReader(data, "標籤讀取回應")
	points, err := r.uint16()
	if err != nil {
		return nil, err
	}
	values := make([]LabelValue, 0, points)
	for i := 0; i < int(points); i++ {
		code, err := r.bytes(1)
		if err != nil {
			return nil, err
		}
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		raw, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		values = append(values, LabelValue{WireCode: code[0], Data: append([]byte(nil), raw...)})
	}
	return values, nil
}
