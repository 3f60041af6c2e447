package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	plc, err := NewState(nil)
	require.NoError(t, err)
	return NewDispatcher(plc, zap.NewNop())
}

func dispatch(t *testing.T, d *Dispatcher, command, subcommand uint16, payload []byte) ([]byte, error) {
	t.Helper()
	f, err := DecodeFrame(EncodeRequest(Subheader3E, 0, command, subcommand, payload))
	require.NoError(t, err)
	return d.Dispatch(f)
}

func mustEncode(t *testing.T, dt Datatype, values ...any) []byte {
	t.Helper()
	var out []byte
	for _, v := range values {
		b, err := dt.Encode(v)
		require.NoError(t, err)
		out = append(out, b...)
	}
	return out
}

func TestDispatcher_ReadDevice(t *testing.T) {
	d := newTestDispatcher(t)
	dev := func(name string) Device { return mustDevice(t, name) }

	tests := []struct {
		name       string
		subcommand uint16
		payload    []byte
		want       []byte
	}{
		{
			name:    "D 字讀取",
			payload: DeviceAccessPayload(dev("D"), 100, 2, nil),
			want:    []byte{0xFA, 0xFF, 0xCD, 0xAB},
		},
		{
			name:    "D double",
			payload: DeviceAccessPayload(dev("D"), 102, 4, nil),
			want:    mustEncode(t, DatatypeDouble, -5.1349230494293842315673828125e9),
		},
		{
			name:    "D string",
			payload: DeviceAccessPayload(dev("D"), 124, 8, nil),
			want:    []byte("1234234534564567"),
		},
		{
			name:    "SD 韌體版本",
			payload: DeviceAccessPayload(dev("SD"), 160, 1, nil),
			want:    []byte{0xF3, 0xAC},
		},
		{
			name:    "M 以字讀取",
			payload: DeviceAccessPayload(dev("M"), 160, 1, nil),
			want:    []byte{0x20, 0x00},
		},
		{
			name:    "M 以字讀取多個字",
			payload: DeviceAccessPayload(dev("M"), 96, 4, nil),
			want:    []byte{0x01, 0x00, 0xFF, 0xFF, 0x02, 0x00, 0xFF, 0xFF},
		},
		{
			name:       "M 位元單位",
			subcommand: SubcommandBit,
			payload:    DeviceAccessPayload(dev("M"), 195, 5, nil),
			want:       []byte{0x01, 0x01, 0x00, 0x00},
		},
		{
			name:       "M 位元單位跨字",
			subcommand: SubcommandBit,
			payload:    DeviceAccessPayload(dev("M"), 238, 6, nil),
			want:       []byte{0x10, 0x00, 0x01, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dispatch(t, d, CommandDeviceRead, tt.subcommand, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatcher_ReadDeviceFaults(t *testing.T) {
	d := newTestDispatcher(t)

	tests := []struct {
		name       string
		subcommand uint16
		payload    []byte
		code       EndCode
	}{
		{"未知軟元件", SubcommandWord, []byte{0x64, 0x00, 0x00, 0x55, 0x01, 0x00}, EndCodeInvalidDevice},
		{"未初始化", SubcommandWord, DeviceAccessPayload(mustDevice(t, "D"), 900, 1, nil), EndCodeInvalidDevice},
		{"字軟元件位元單位", SubcommandBit, DeviceAccessPayload(mustDevice(t, "D"), 100, 1, nil), EndCodeWrongCommand},
		{"不支援的子指令", 0x0003, DeviceAccessPayload(mustDevice(t, "D"), 100, 1, nil), EndCodeWrongCommand},
		{"子指令優先於軟元件檢查", 0x0003, []byte{0x64, 0x00, 0x00, 0x55, 0x01, 0x00}, EndCodeWrongCommand},
		{"資料不足", SubcommandWord, []byte{0x64, 0x00, 0x00}, EndCodeWrongLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dispatch(t, d, CommandDeviceRead, tt.subcommand, tt.payload)
			require.Error(t, err)
			assert.Equal(t, tt.code, EndCodeFor(err))
		})
	}
}

func TestDispatcher_WriteDevice(t *testing.T) {
	d := newTestDispatcher(t)
	m := mustDevice(t, "M")
	dv := mustDevice(t, "D")

	t.Run("位元單位寫入只改目標位元", func(t *testing.T) {
		// M165 = 0, M166 = 1
		_, err := dispatch(t, d, CommandDeviceWrite, SubcommandBit, DeviceAccessPayload(m, 165, 2, []byte{0x01}))
		require.NoError(t, err)

		got, err := dispatch(t, d, CommandDeviceRead, SubcommandWord, DeviceAccessPayload(m, 160, 1, nil))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x40, 0x00}, got)
	})

	t.Run("位元軟元件字寫入", func(t *testing.T) {
		_, err := dispatch(t, d, CommandDeviceWrite, SubcommandWord, DeviceAccessPayload(m, 96, 2, []byte{0x34, 0x12, 0x78, 0x56}))
		require.NoError(t, err)

		got, err := dispatch(t, d, CommandDeviceRead, SubcommandWord, DeviceAccessPayload(m, 96, 2, nil))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x34, 0x12, 0x78, 0x56}, got)
	})

	t.Run("字寫入建立新位址", func(t *testing.T) {
		_, err := dispatch(t, d, CommandDeviceWrite, SubcommandWord, DeviceAccessPayload(dv, 900, 1, []byte{0xEF, 0xBE}))
		require.NoError(t, err)

		got, err := dispatch(t, d, CommandDeviceRead, SubcommandWord, DeviceAccessPayload(dv, 900, 1, nil))
		require.NoError(t, err)
		assert.Equal(t, []byte{0xEF, 0xBE}, got)
	})

	t.Run("寫入資料不足", func(t *testing.T) {
		_, err := dispatch(t, d, CommandDeviceWrite, SubcommandWord, DeviceAccessPayload(dv, 100, 2, []byte{0x01, 0x00}))
		require.Error(t, err)
		assert.Equal(t, EndCodeWrongLength, EndCodeFor(err))
	})

	t.Run("起始位址 0", func(t *testing.T) {
		// 低位元組為 0 的一般存取不會被當成擴充位址指定
		_, err := dispatch(t, d, CommandDeviceWrite, SubcommandWord, DeviceAccessPayload(m, 0, 1, []byte{0x00, 0x00}))
		require.NoError(t, err)
		_, err = dispatch(t, d, CommandDeviceWrite, SubcommandBit, DeviceAccessPayload(m, 5, 1, []byte{0x10}))
		require.NoError(t, err)

		got, err := dispatch(t, d, CommandDeviceRead, SubcommandWord, DeviceAccessPayload(m, 0, 1, nil))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x20, 0x00}, got)

		_, err = dispatch(t, d, CommandDeviceWrite, SubcommandWord, DeviceAccessPayload(dv, 256, 1, []byte{0x01, 0x02}))
		require.NoError(t, err)
		got, err = dispatch(t, d, CommandDeviceRead, SubcommandWord, DeviceAccessPayload(dv, 256, 1, nil))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02}, got)
	})

	t.Run("未初始化的位元", func(t *testing.T) {
		_, err := dispatch(t, d, CommandDeviceWrite, SubcommandBit, DeviceAccessPayload(m, 1001, 1, []byte{0x10}))
		require.Error(t, err)
		assert.Equal(t, EndCodeInvalidDevice, EndCodeFor(err))
	})
}

func TestDispatcher_Extension(t *testing.T) {
	d := newTestDispatcher(t)
	g := mustDevice(t, "G")
	cpu := func(spec uint16) BankOverride { return BankOverride{Specification: spec, Type: ExtensionTypeCPUBuffer} }
	module := func(spec uint16) BankOverride { return BankOverride{Specification: spec, Type: ExtensionTypeModule} }

	t.Run("讀取", func(t *testing.T) {
		tests := []struct {
			name    string
			payload []byte
			want    []byte
		}{
			{"U3E0", ExtensionAccessPayload(g, 100, cpu(0x03E0), 1, nil), []byte{30, 0x00}},
			{"U3E3 int 陣列", ExtensionAccessPayload(g, 101, cpu(0x03E3), 4, nil), mustEncode(t, DatatypeInt, -3, 5, -7, 9)},
			{"U00A", ExtensionAccessPayload(g, 100, module(0x000A), 4, nil), mustEncode(t, DatatypeInt, 1, -1, 1, -1)},
			{"U00F float", ExtensionAccessPayload(g, 100, module(0x000F), 2, nil), mustEncode(t, DatatypeFloat, -3.1415927410125732421875)},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := dispatch(t, d, CommandDeviceRead, SubcommandWordExtension, tt.payload)
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		}
	})

	t.Run("寫入後讀回", func(t *testing.T) {
		_, err := dispatch(t, d, CommandDeviceWrite, SubcommandWordExtension,
			ExtensionAccessPayload(g, 100, module(0x000A), 2, []uint16{0x1111, 0x2222}))
		require.NoError(t, err)

		got, err := dispatch(t, d, CommandDeviceRead, SubcommandWordExtension,
			ExtensionAccessPayload(g, 100, module(0x000A), 2, nil))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x11, 0x11, 0x22, 0x22}, got)
	})

	t.Run("錯誤", func(t *testing.T) {
		tests := []struct {
			name       string
			subcommand uint16
			payload    []byte
			code       EndCode
		}{
			{"選擇位元組非 0", SubcommandWordExtension, append([]byte{0x01}, ExtensionAccessPayload(g, 100, cpu(0x03E0), 1, nil)[1:]...), EndCodeWrongCommand},
			{"未知擴充類型", SubcommandWordExtension, ExtensionAccessPayload(g, 100, BankOverride{Specification: 1, Type: 0xF9}, 1, nil), EndCodeWrongCommand},
			{"未知 CPU 緩衝", SubcommandWordExtension, ExtensionAccessPayload(g, 100, cpu(0x03E9), 1, nil), EndCodeInvalidDevice},
			{"未初始化", SubcommandWordExtension, ExtensionAccessPayload(g, 200, cpu(0x03E0), 1, nil), EndCodeInvalidDevice},
			{"資料不足", SubcommandWordExtension, []byte{0x00, 0x00, 0x64, 0x00}, EndCodeWrongLength},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := dispatch(t, d, CommandDeviceRead, tt.subcommand, tt.payload)
				require.Error(t, err)
				assert.Equal(t, tt.code, EndCodeFor(err))
			})
		}
	})
}

func TestDispatcher_ReadLabels(t *testing.T) {
	d := newTestDispatcher(t)

	got, err := dispatch(t, d, CommandLabelRead, 0, LabelReadPayload([]string{"%1Label", "bArrayLabel[1]", "sLabel"}, []string{"e"}))
	require.NoError(t, err)

	want := []byte{0x03, 0x00}
	want = append(want, 0x07, 0x08, 0x00)
	want = append(want, mustEncode(t, DatatypeDouble, 5.0)...)
	want = append(want, 0x01, 0x02, 0x00, 0x01, 0x00)
	want = append(want, 0x09, 0x06, 0x00, 'H', 'a', 'l', 'l', 'o', 0x00)
	assert.Equal(t, want, got)

	values, err := ParseLabelReadResponse(got)
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, byte(0x09), values[2].WireCode)
	assert.Len(t, values[2].Data, 6)
}

func TestDispatcher_LabelFaults(t *testing.T) {
	d := newTestDispatcher(t)

	tests := []struct {
		name       string
		command    uint16
		subcommand uint16
		payload    []byte
		code       EndCode
	}{
		{"未知標籤", CommandLabelRead, 0, LabelReadPayload([]string{"nope"}, nil), EndCodeInvalidGlobalLabel},
		{"索引超出範圍", CommandLabelRead, 0, LabelReadPayload([]string{"uLabel[4]"}, nil), EndCodeWrongFormat},
		{"陣列未指定索引", CommandLabelRead, 0, LabelReadPayload([]string{"uLabel"}, nil), EndCodeWrongFormat},
		{"布林陣列未指定索引", CommandLabelRead, 0, LabelReadPayload([]string{"eLabel", "bArrayLabel"}, nil), EndCodeWrongFormat},
		{"讀取子指令錯誤", CommandLabelRead, 1, LabelReadPayload([]string{"eLabel"}, nil), EndCodeWrongCommand},
		{"讀取資料截斷", CommandLabelRead, 0, []byte{0x01, 0x00, 0x00, 0x00, 0x05, 0x00}, EndCodeWrongLength},
		{"唯讀標籤", CommandLabelWrite, 0, LabelWritePayload([]LabelWrite{{Name: "uLabel[0]", Data: []byte{1, 0}}}, nil), EndCodeUnableToWrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dispatch(t, d, tt.command, tt.subcommand, tt.payload)
			require.Error(t, err)
			assert.Equal(t, tt.code, EndCodeFor(err))
		})
	}
}

func TestDispatcher_WriteLabels(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := dispatch(t, d, CommandLabelWrite, 0, LabelWritePayload([]LabelWrite{
		{Name: "bLabel", Data: []byte{0x01, 0x00}},
		{Name: "%1[2]", Data: []byte{0x01, 0x00}},
	}, []string{"bArrayLabel"}))
	require.NoError(t, err)

	got, err := dispatch(t, d, CommandLabelRead, 0, LabelReadPayload([]string{"bLabel", "%1[0]", "%1[1]", "%1[2]", "%1[3]"}, []string{"bArrayLabel"}))
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x05, 0x00,
		0x01, 0x02, 0x00, 0x01, 0x00,
		// bArrayLabel[0..3]，只有索引 2 改為 true
		0x01, 0x02, 0x00, 0x00, 0x00,
		0x01, 0x02, 0x00, 0x01, 0x00,
		0x01, 0x02, 0x00, 0x01, 0x00,
		0x01, 0x02, 0x00, 0x01, 0x00,
	}, got)
}

func TestDispatcher_WriteStringLabel(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := dispatch(t, d, CommandLabelWrite, 0, LabelWritePayload([]LabelWrite{
		{Name: "sLabel", Data: []byte("Welt!!")},
	}, nil))
	require.NoError(t, err)

	got, err := dispatch(t, d, CommandLabelRead, 0, LabelReadPayload([]string{"sLabel"}, nil))
	require.NoError(t, err)

	values, err := ParseLabelReadResponse(got)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, byte(0x09), values[0].WireCode)
	assert.Equal(t, []byte("Welt!!\x00\x00"), values[0].Data)
}

func TestDispatcher_WriteLabelsNotAtomic(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := dispatch(t, d, CommandLabelWrite, 0, LabelWritePayload([]LabelWrite{
		{Name: "wdLabel", Data: []byte{0x01, 0x00, 0x00, 0x00}},
		{Name: "uLabel[0]", Data: []byte{0x09, 0x00}},
	}, nil))
	require.Error(t, err)
	assert.Equal(t, EndCodeUnableToWrite, EndCodeFor(err))

	// 第一個點已經寫入
	got, err := dispatch(t, d, CommandLabelRead, 0, LabelReadPayload([]string{"wdLabel"}, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00, 0x05, 0x04, 0x00, 0x01, 0x00, 0x00, 0x00}, got)
}

func TestDispatcher_Loopback(t *testing.T) {
	d := newTestDispatcher(t)

	payload := LoopbackPayload([]byte("ABCDE"))
	got, err := dispatch(t, d, CommandLoopback, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = dispatch(t, d, CommandLoopback, 0, []byte{0x05, 0x00, 'A'})
	require.Error(t, err)
	assert.Equal(t, EndCodeWrongLength, EndCodeFor(err))
}

func TestDispatcher_UnsupportedCommand(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := dispatch(t, d, 0x0101, 0, []byte{0x01})
	require.Error(t, err)
	assert.True(t, IsFault(err, FaultUnsupportedCommand))
	assert.Equal(t, EndCodeWrongCommand, EndCodeFor(err))
}
