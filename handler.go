package main

import (
	"encoding/binary"

	"go.uber.org/zap"
)

// Dispatcher SLMP 請求處理器，依 (指令, 子指令, 選擇位元組) 分派
type Dispatcher struct {
	state  *State
	logger *zap.Logger
}

// NewDispatcher 建立請求處理器
func NewDispatcher(state *State, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		state:  state,
		logger: logger,
	}
}

// Dispatch 處理單一請求，回傳成功回應的資料部分 (不含標頭與結束碼)
// 錯誤一律為 *Fault，由連線迴圈轉換為結束碼
func (d *Dispatcher) Dispatch(f Frame) ([]byte, error) {
	var resp []byte
	err := d.state.Do(func(devices *DeviceMemory, labels *LabelRegistry) error {
		var err error
		resp, err = d.route(f, devices, labels)
		return err
	})
	if err != nil {
		d.logger.Debug("請求處理失敗",
			zap.Uint16("command", f.Command),
			zap.Uint16("subcommand", f.Subcommand),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) route(f Frame, devices *DeviceMemory, labels *LabelRegistry) ([]byte, error) {
	switch f.Command {
	case CommandDeviceRead:
		if isExtensionAccess(f) {
			return d.readExtension(f, devices)
		}
		return d.readDevice(f, devices)
	case CommandDeviceWrite:
		if isExtensionAccess(f) {
			return nil, d.writeExtension(f, devices)
		}
		return nil, d.writeDevice(f, devices)
	case CommandLabelRead:
		if f.Subcommand != SubcommandWord {
			return nil, newFault(FaultUnsupportedCommand, "標籤讀取不支援子指令 0x%04X", f.Subcommand)
		}
		return d.readLabels(f, labels)
	case CommandLabelWrite:
		return nil, d.writeLabels(f, labels)
	case CommandLoopback:
		return d.loopback(f)
	default:
		return nil, newFault(FaultUnsupportedCommand, "不支援的指令 0x%04X", f.Command)
	}
}

// isExtensionAccess 擴充位址指定: 子指令 0x0082 且選擇位元組為 0
// 其他子指令的選擇位元組是起始位址的低位元組，D0、M256 等仍走一般存取
func isExtensionAccess(f Frame) bool {
	return f.Subcommand == SubcommandWordExtension && f.Selector == SelectorExtension
}

// checkDeviceSubcommand 一般軟元件存取只接受字與位元單位
func checkDeviceSubcommand(subcommand uint16) error {
	if subcommand != SubcommandWord && subcommand != SubcommandBit {
		return newFault(FaultUnsupportedCommand, "軟元件存取不支援子指令 0x%04X", subcommand)
	}
	return nil
}

// --- 軟元件存取 ---

// deviceRequest 一般軟元件存取的欄位: 3 bytes 起始位址、1 byte 軟元件代碼、2 bytes 點數
type deviceRequest struct {
	device Device
	head   uint32
	count  int
	data   []byte
}

func parseDeviceRequest(payload []byte) (deviceRequest, error) {
	if len(payload) < 6 {
		return deviceRequest{}, errShortPayload("軟元件存取", len(payload), 6)
	}
	dev, err := LookupDevice(uint16(payload[3]))
	if err != nil {
		return deviceRequest{}, err
	}
	return deviceRequest{
		device: dev,
		head:   uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16,
		count:  int(binary.LittleEndian.Uint16(payload[4:6])),
		data:   payload[6:],
	}, nil
}

// extensionRequest 擴充位址指定的欄位
type extensionRequest struct {
	device   Device
	head     uint32
	override BankOverride
	count    int
	data     []byte
}

func parseExtensionRequest(f Frame) (extensionRequest, error) {
	if f.Subcommand != SubcommandWordExtension {
		return extensionRequest{}, newFault(FaultUnsupportedCommand, "擴充位址指定需使用子指令 0x0082，收到 0x%04X", f.Subcommand)
	}
	p := f.Payload
	if len(p) < 15 {
		return extensionRequest{}, errShortPayload("擴充軟元件存取", len(p), 15)
	}
	dev, err := LookupDevice(binary.LittleEndian.Uint16(p[6:8]))
	if err != nil {
		return extensionRequest{}, err
	}
	req := extensionRequest{
		device: dev,
		head:   binary.LittleEndian.Uint32(p[2:6]),
		override: BankOverride{
			Specification: binary.LittleEndian.Uint16(p[10:12]),
			Type:          p[12],
		},
		count: int(binary.LittleEndian.Uint16(p[13:15])),
		data:  p[15:],
	}
	if _, err := req.override.BankName(); err != nil {
		return extensionRequest{}, err
	}
	return req, nil
}

func (d *Dispatcher) readDevice(f Frame, devices *DeviceMemory) ([]byte, error) {
	if err := checkDeviceSubcommand(f.Subcommand); err != nil {
		return nil, err
	}
	req, err := parseDeviceRequest(f.Payload)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("讀取軟元件",
		zap.String("device", req.device.Name),
		zap.Uint32("head", req.head),
		zap.Int("count", req.count),
		zap.Uint16("subcommand", f.Subcommand),
	)

	switch {
	case f.Subcommand == SubcommandBit && req.device.Kind == DeviceKindBit:
		bits, err := devices.ReadBits(req.device, req.head, req.count)
		if err != nil {
			return nil, err
		}
		return packBitUnits(bits), nil

	case f.Subcommand == SubcommandWord && req.device.Kind == DeviceKindBit:
		words := make([]uint16, req.count)
		for i := range words {
			bits, err := devices.ReadBits(req.device, req.head+uint32(i)*16, 16)
			if err != nil {
				return nil, err
			}
			words[i] = bitsToWord(bits)
		}
		return wordsToBytes(words), nil

	case f.Subcommand == SubcommandWord && req.device.Kind == DeviceKindWord:
		words, err := devices.ReadWords(req.device, req.head, req.count, nil)
		if err != nil {
			return nil, err
		}
		return wordsToBytes(words), nil

	default:
		return nil, newFault(FaultUnsupportedCommand, "%s 軟元件不支援子指令 0x%04X", req.device.Kind, f.Subcommand)
	}
}

func (d *Dispatcher) writeDevice(f Frame, devices *DeviceMemory) error {
	if err := checkDeviceSubcommand(f.Subcommand); err != nil {
		return err
	}
	req, err := parseDeviceRequest(f.Payload)
	if err != nil {
		return err
	}

	d.logger.Debug("寫入軟元件",
		zap.String("device", req.device.Name),
		zap.Uint32("head", req.head),
		zap.Int("count", req.count),
		zap.Uint16("subcommand", f.Subcommand),
	)

	switch {
	case f.Subcommand == SubcommandBit && req.device.Kind == DeviceKindBit:
		bits, err := unpackBitUnits(req.data, req.count)
		if err != nil {
			return err
		}
		return devices.WriteBits(req.device, req.head, bits)

	case f.Subcommand == SubcommandWord:
		words, err := readWordData(req.data, req.count)
		if err != nil {
			return err
		}
		step := uint32(1)
		if req.device.Kind == DeviceKindBit {
			step = 16
		}
		return devices.WriteWords(req.device, req.head, words, nil, step)

	default:
		return newFault(FaultUnsupportedCommand, "%s 軟元件不支援子指令 0x%04X", req.device.Kind, f.Subcommand)
	}
}

func (d *Dispatcher) readExtension(f Frame, devices *DeviceMemory) ([]byte, error) {
	req, err := parseExtensionRequest(f)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("讀取擴充軟元件",
		zap.String("device", req.device.Name),
		zap.Uint32("head", req.head),
		zap.Uint16("extension", req.override.Specification),
		zap.Int("count", req.count),
	)

	words, err := devices.ReadWords(req.device, req.head, req.count, &req.override)
	if err != nil {
		return nil, err
	}
	return wordsToBytes(words), nil
}

func (d *Dispatcher) writeExtension(f Frame, devices *DeviceMemory) error {
	req, err := parseExtensionRequest(f)
	if err != nil {
		return err
	}

	d.logger.Debug("寫入擴充軟元件",
		zap.String("device", req.device.Name),
		zap.Uint32("head", req.head),
		zap.Uint16("extension", req.override.Specification),
		zap.Int("count", req.count),
	)

	words, err := readWordData(req.data, req.count)
	if err != nil {
		return err
	}
	return devices.WriteWords(req.device, req.head, words, &req.override, 1)
}

// packBitUnits 位元單位讀取: 每個位元組兩個位元，高半位元組在前，輸出長度補齊為偶數
func packBitUnits(bits []bool) []byte {
	out := make([]byte, (len(bits)+3)/4*2)
	for i, b := range bits {
		if !b {
			continue
		}
		if i%2 == 0 {
			out[i/2] |= 0x10
		} else {
			out[i/2] |= 0x01
		}
	}
	return out
}

// unpackBitUnits 位元單位寫入: 每個位元組兩個位元，高半位元組在前
func unpackBitUnits(data []byte, count int) ([]bool, error) {
	need := (count + 1) / 2
	if len(data) < need {
		return nil, errShortPayload("位元寫入資料", len(data), need)
	}
	bits := make([]bool, count)
	for i := range bits {
		mask := byte(0x10)
		if i%2 == 1 {
			mask = 0x01
		}
		bits[i] = data[i/2]&mask != 0
	}
	return bits, nil
}

// bitsToWord 將最多 16 個位元組成一個字，第 0 個位元為最低位
func bitsToWord(bits []bool) uint16 {
	var w uint16
	for i, b := range bits {
		if b && i < 16 {
			w |= 1 << i
		}
	}
	return w
}

func readWordData(data []byte, count int) ([]uint16, error) {
	if len(data) < count*2 {
		return nil, errShortPayload("字寫入資料", len(data), count*2)
	}
	return bytesToWords(data[:count*2]), nil
}

// --- 標籤存取 ---

// readLabelHeader 讀取點數與縮寫表
func readLabelHeader(r *payloadReader) (int, []string, error) {
	points, err := r.uint16()
	if err != nil {
		return 0, nil, err
	}
	abbrCount, err := r.uint16()
	if err != nil {
		return 0, nil, err
	}
	abbreviations := make([]string, abbrCount)
	for i := range abbreviations {
		if abbreviations[i], err = r.utf16String(); err != nil {
			return 0, nil, err
		}
	}
	return int(points), abbreviations, nil
}

func (d *Dispatcher) readLabels(f Frame, labels *LabelRegistry) ([]byte, error) {
	r := newPayloadReader(f.Payload, "標籤讀取")
	points, abbreviations, err := readLabelHeader(r)
	if err != nil {
		return nil, err
	}

	out := binary.LittleEndian.AppendUint16(nil, uint16(points))
	for i := 0; i < points; i++ {
		name, err := r.utf16String()
		if err != nil {
			return nil, err
		}
		ref, err := ResolveLabelName(name, abbreviations)
		if err != nil {
			return nil, err
		}
		value, dt, err := labels.Read(ref)
		if err != nil {
			return nil, err
		}
		if _, isArray := value.([]any); isArray {
			return nil, newFault(FaultIndexing, "陣列標籤需指定索引: %s", ref)
		}
		encoded, err := encodeLabelValue(dt, value)
		if err != nil {
			return nil, err
		}
		d.logger.Debug("讀取標籤", zap.String("label", ref.String()), zap.String("type", dt.String()))
		out = append(out, encoded...)
	}
	return out, nil
}

// writeLabels 依序寫入每個點；中途失敗時先前的點已寫入
func (d *Dispatcher) writeLabels(f Frame, labels *LabelRegistry) error {
	r := newPayloadReader(f.Payload, "標籤寫入")
	points, abbreviations, err := readLabelHeader(r)
	if err != nil {
		return err
	}

	for i := 0; i < points; i++ {
		name, err := r.utf16String()
		if err != nil {
			return err
		}
		length, err := r.uint16()
		if err != nil {
			return err
		}
		raw, err := r.bytes(int(length))
		if err != nil {
			return err
		}
		ref, err := ResolveLabelName(name, abbreviations)
		if err != nil {
			return err
		}
		if err := labels.Write(ref, raw); err != nil {
			return err
		}
		d.logger.Debug("寫入標籤", zap.String("label", ref.String()), zap.Int("bytes", len(raw)))
	}
	return nil
}

// --- 迴路測試 ---

func (d *Dispatcher) loopback(f Frame) ([]byte, error) {
	r := newPayloadReader(f.Payload, "迴路測試")
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	data, err := r.bytes(int(count))
	if err != nil {
		return nil, err
	}
	out := binary.LittleEndian.AppendUint16(nil, count)
	return append(out, data...), nil
}
