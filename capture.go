package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

// Direction 訊框方向
type Direction int

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

func (d Direction) String() string {
	if d == DirectionResponse {
		return "response"
	}
	return "request"
}

// FrameSink 接收每個收送的 SLMP 訊框
type FrameSink interface {
	Record(dir Direction, src, dst net.Addr, data []byte)
}

// PcapCapture 將 SLMP 訊框包裝成 Ethernet/IP/TCP 封包寫入 pcap 檔，可用 Wireshark 檢視
type PcapCapture struct {
	mu     sync.Mutex
	out    io.WriteCloser
	writer *pcapgo.Writer
	flows  map[string]*captureFlow
	count  int
	logger *zap.Logger
}

type captureFlow struct {
	clientSeq uint32
	serverSeq uint32
}

// NewPcapCapture 建立 pcap 檔並寫入檔頭
func NewPcapCapture(path string, logger *zap.Logger) (*PcapCapture, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("建立 pcap 檔失敗: %w", err)
	}
	c, err := newPcapCapture(file, logger)
	if err != nil {
		file.Close()
		return nil, err
	}
	return c, nil
}

func newPcapCapture(out io.WriteCloser, logger *zap.Logger) (*PcapCapture, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := pcapgo.NewWriter(out)
	if err := writer.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("寫入 pcap 檔頭失敗: %w", err)
	}
	return &PcapCapture{
		out:    out,
		writer: writer,
		flows:  make(map[string]*captureFlow),
		logger: logger,
	}, nil
}

// Record 寫入一個訊框；寫入失敗只記錄日誌，不影響連線
func (c *PcapCapture) Record(dir Direction, src, dst net.Addr, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(dir, src, dst, data); err != nil {
		c.logger.Warn("寫入 pcap 失敗", zap.String("direction", dir.String()), zap.Error(err))
		return
	}
	c.count++
}

func (c *PcapCapture) write(dir Direction, src, dst net.Addr, data []byte) error {
	srcIP, srcPort := splitAddr(src)
	dstIP, dstPort := splitAddr(dst)

	// 以用戶端位址識別 TCP 流
	clientKey := fmt.Sprintf("%s:%d", srcIP, srcPort)
	if dir == DirectionResponse {
		clientKey = fmt.Sprintf("%s:%d", dstIP, dstPort)
	}
	flow, ok := c.flows[clientKey]
	if !ok {
		flow = &captureFlow{clientSeq: 1, serverSeq: 1}
		c.flows[clientKey] = flow
	}

	seq, ack := flow.clientSeq, flow.serverSeq
	if dir == DirectionResponse {
		seq, ack = flow.serverSeq, flow.clientSeq
		flow.serverSeq += uint32(len(data))
	} else {
		flow.clientSeq += uint32(len(data))
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		ACK:     true,
		PSH:     true,
		Seq:     seq,
		Ack:     ack,
		Window:  65535,
	}

	ethernet := &layers.Ethernet{
		SrcMAC: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x02},
	}
	if dir == DirectionResponse {
		ethernet.SrcMAC, ethernet.DstMAC = ethernet.DstMAC, ethernet.SrcMAC
	}

	var network gopacket.SerializableLayer
	if srcIP.To4() != nil && dstIP.To4() != nil {
		ethernet.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    srcIP.To4(),
			DstIP:    dstIP.To4(),
		}
		_ = tcp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		ethernet.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      srcIP.To16(),
			DstIP:      dstIP.To16(),
		}
		_ = tcp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buffer, opts, ethernet, network, tcp, gopacket.Payload(data)); err != nil {
		return fmt.Errorf("封包序列化失敗: %w", err)
	}
	return c.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(buffer.Bytes()),
		Length:        len(buffer.Bytes()),
	}, buffer.Bytes())
}

// Count 已寫入的封包數
func (c *PcapCapture) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Close 關閉 pcap 檔
func (c *PcapCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Close()
}

// splitAddr 取出 TCP 位址的 IP 與埠；非 TCP 位址以 0.0.0.0:0 表示
func splitAddr(addr net.Addr) (net.IP, uint16) {
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp.IP != nil {
		return tcp.IP, uint16(tcp.Port)
	}
	return net.IPv4zero, 0
}
