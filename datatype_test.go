package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatatype_Encode(t *testing.T) {
	tests := []struct {
		name  string
		dt    Datatype
		value any
		want  []byte
	}{
		{"bool true", DatatypeBool, true, []byte{0x01, 0x00}},
		{"bool false", DatatypeBool, false, []byte{0x00, 0x00}},
		{"word", DatatypeWord, 0xACF3, []byte{0xF3, 0xAC}},
		{"word 截斷", DatatypeWord, 0x1ACF3, []byte{0xF3, 0xAC}},
		{"dword", DatatypeDoubleWord, 31012121, []byte{0x19, 0x35, 0xD9, 0x01}},
		{"int 負數", DatatypeInt, -3, []byte{0xFD, 0xFF}},
		{"dint 最小值", DatatypeDInt, -2147483648, []byte{0x00, 0x00, 0x00, 0x80}},
		{"float", DatatypeFloat, 1.0, []byte{0x00, 0x00, 0x80, 0x3F}},
		{"double", DatatypeDouble, 5.0, []byte{0, 0, 0, 0, 0, 0, 0x14, 0x40}},
		{"string", DatatypeString, "Hallo", []byte("Hallo")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.dt.Encode(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDatatype_Decode(t *testing.T) {
	v, err := DatatypeInt.Decode([]byte{0xFD, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, int16(-3), v)

	v, err = DatatypeDouble.Decode([]byte{0, 0, 0, 0, 0, 0, 0x14, 0x40})
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	// 長度不足
	_, err = DatatypeDouble.Decode([]byte{0x00, 0x01})
	require.Error(t, err)
	assert.Equal(t, EndCodeWrongLength, EndCodeFor(err))
}

func TestDatatype_RoundTrip(t *testing.T) {
	tests := []struct {
		dt    Datatype
		value any
		want  any
	}{
		{DatatypeBool, true, true},
		{DatatypeWord, 0xFFFA, uint16(0xFFFA)},
		{DatatypeDoubleWord, 31012121, uint32(31012121)},
		{DatatypeInt, -7, int16(-7)},
		{DatatypeDInt, -123456789, int32(-123456789)},
		{DatatypeFloat, -3.1415927410125732421875, float32(-3.1415927410125732421875)},
		{DatatypeDouble, -5.1349230494293842315673828125e9, -5.1349230494293842315673828125e9},
		{DatatypeString, "Welt!!", []byte("Welt!!")},
	}

	for _, tt := range tests {
		t.Run(tt.dt.String(), func(t *testing.T) {
			raw, err := tt.dt.Encode(tt.value)
			require.NoError(t, err)
			if w := tt.dt.Width(); w > 0 {
				assert.Len(t, raw, w)
			}

			got, err := tt.dt.Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDatatype_WireCodeAndWidth(t *testing.T) {
	tests := []struct {
		dt    Datatype
		code  byte
		width int
	}{
		{DatatypeBool, 0x01, 2},
		{DatatypeWord, 0x02, 2},
		{DatatypeDoubleWord, 0x03, 4},
		{DatatypeInt, 0x04, 2},
		{DatatypeDInt, 0x05, 4},
		{DatatypeFloat, 0x06, 4},
		{DatatypeDouble, 0x07, 8},
		{DatatypeString, 0x09, 0},
	}

	for _, tt := range tests {
		t.Run(tt.dt.String(), func(t *testing.T) {
			assert.Equal(t, tt.code, tt.dt.WireCode())
			assert.Equal(t, tt.width, tt.dt.Width())
		})
	}
}

func TestParseDatatype(t *testing.T) {
	dt, err := ParseDatatype(" LREAL ")
	require.NoError(t, err)
	assert.Equal(t, DatatypeDouble, dt)

	var parsed Datatype
	require.NoError(t, parsed.UnmarshalText([]byte("dint")))
	assert.Equal(t, DatatypeDInt, parsed)

	_, err = ParseDatatype("complex")
	assert.Error(t, err)

	text, err := DatatypeFloat.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "float", string(text))
}

func TestBytesToWords(t *testing.T) {
	assert.Equal(t, []uint16{0x3231, 0x0033}, bytesToWords([]byte("123")))
	assert.Equal(t, []byte{0x31, 0x32, 0x33, 0x00}, wordsToBytes([]uint16{0x3231, 0x0033}))
}
