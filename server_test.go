package main

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	plc, err := NewState(nil)
	require.NoError(t, err)

	opts = append([]ServerOption{WithLogger(zap.NewNop())}, opts...)
	server := NewServer("127.0.0.1:0", plc, opts...)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func dialTestServer(t *testing.T, server *Server, subheader uint16) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := DialClient(ctx, server.Addr().String(), subheader)
	require.NoError(t, err)
	return client
}

func dialRaw(t *testing.T, server *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_Loopback(t *testing.T) {
	server := startTestServer(t)

	for _, subheader := range []uint16{Subheader3E, Subheader4E, Subheader4EAlt} {
		client := dialTestServer(t, server, subheader)
		code, data, err := client.Do(CommandLoopback, 0, LoopbackPayload([]byte("ABCDE")))
		require.NoError(t, err)
		assert.Equal(t, EndCodeSuccess, code)
		assert.Equal(t, LoopbackPayload([]byte("ABCDE")), data)
		require.NoError(t, client.Close())
	}

	assert.Equal(t, ServerStateRunning, server.State())
	assert.Equal(t, uint64(3), server.Stats().RequestCount.Load())
}

func TestServer_4ESerialEcho(t *testing.T) {
	server := startTestServer(t)
	conn := dialRaw(t, server)

	_, err := conn.Write(EncodeRequest(Subheader4E, 0x0102, CommandLoopback, 0, LoopbackPayload([]byte("A"))))
	require.NoError(t, err)

	resp, err := readResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD4, 0x00, 0x02, 0x01, 0x00, 0x00}, resp[:6])
}

func TestServer_DeviceAndLabelAccess(t *testing.T) {
	server := startTestServer(t)
	client := dialTestServer(t, server, Subheader3E)
	defer client.Close()

	d := mustDevice(t, "D")

	code, data, err := client.Do(CommandDeviceRead, SubcommandWord, DeviceAccessPayload(d, 101, 1, nil))
	require.NoError(t, err)
	assert.Equal(t, EndCodeSuccess, code)
	assert.Equal(t, []byte{0xCD, 0xAB}, data)

	code, _, err = client.Do(CommandDeviceRead, SubcommandWord, []byte{0x64, 0x00, 0x00, 0x55, 0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, EndCodeInvalidDevice, code)

	code, _, err = client.Do(CommandLabelRead, 0, LabelReadPayload([]string{"missing"}, nil))
	require.NoError(t, err)
	assert.Equal(t, EndCodeInvalidGlobalLabel, code)

	// 錯誤後連線仍可使用
	code, data, err = client.Do(CommandLabelRead, 0, LabelReadPayload([]string{"udLabel"}, nil))
	require.NoError(t, err)
	assert.Equal(t, EndCodeSuccess, code)
	assert.Equal(t, []byte{0x01, 0x00, 0x03, 0x04, 0x00, 0x19, 0x35, 0xD9, 0x01}, data)

	codes := server.Stats().EndCodes()
	require.Len(t, codes, 3)
	assert.Equal(t, EndCodeCount{Code: EndCodeSuccess, Count: 2}, codes[0])
	assert.Equal(t, uint64(2), server.Stats().ErrorCount.Load())
}

func TestServer_ResetOnReconnect(t *testing.T) {
	server := startTestServer(t)
	d := mustDevice(t, "D")

	client := dialTestServer(t, server, Subheader3E)
	code, _, err := client.Do(CommandDeviceWrite, SubcommandWord, DeviceAccessPayload(d, 100, 1, []byte{0x01, 0x00}))
	require.NoError(t, err)
	require.Equal(t, EndCodeSuccess, code)

	_, data, err := client.Do(CommandDeviceRead, SubcommandWord, DeviceAccessPayload(d, 100, 1, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, data)
	require.NoError(t, client.Close())

	// 新連線重新載入資料集
	client = dialTestServer(t, server, Subheader3E)
	defer client.Close()
	_, data, err = client.Do(CommandDeviceRead, SubcommandWord, DeviceAccessPayload(d, 100, 1, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFA, 0xFF}, data)
	assert.Equal(t, uint64(2), server.Stats().Connections.Load())
}

func TestServer_StreamFraming(t *testing.T) {
	server := startTestServer(t)
	conn := dialRaw(t, server)

	first := EncodeRequest(Subheader3E, 0, CommandLoopback, 0, LoopbackPayload([]byte("1")))
	second := EncodeRequest(Subheader3E, 0, CommandLoopback, 0, LoopbackPayload([]byte("22")))

	// 兩個訊框一次送出
	_, err := conn.Write(append(append([]byte(nil), first...), second...))
	require.NoError(t, err)
	for _, want := range [][]byte{[]byte("1"), []byte("22")} {
		resp, err := readResponse(conn)
		require.NoError(t, err)
		_, data, err := ResponseEndCode(resp)
		require.NoError(t, err)
		assert.Equal(t, LoopbackPayload(want), data)
	}

	// 單一訊框分兩次送出
	_, err = conn.Write(first[:5])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write(first[5:])
	require.NoError(t, err)
	resp, err := readResponse(conn)
	require.NoError(t, err)
	code, _, err := ResponseEndCode(resp)
	require.NoError(t, err)
	assert.Equal(t, EndCodeSuccess, code)
}

func TestServer_UnknownSubheader(t *testing.T) {
	server := startTestServer(t)
	conn := dialRaw(t, server)

	_, err := conn.Write([]byte{0x12, 0x34, 0x00, 0xFF, 0xFF, 0x03})
	require.NoError(t, err)

	resp, err := readResponse(conn)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(resp, []byte{0xD0, 0x00}))
	code, _, err := ResponseEndCode(resp)
	require.NoError(t, err)
	assert.Equal(t, EndCodeWrongFormat, code)
}

func TestServer_FrameTooLarge(t *testing.T) {
	server := startTestServer(t, WithBufferSizes(16, 64))
	conn := dialRaw(t, server)

	// 長度欄位宣告 200 bytes，但緩衝上限為 64
	frame := make([]byte, 64)
	copy(frame, EncodeRequest(Subheader3E, 0, CommandLoopback, 0, nil))
	frame[7], frame[8] = 200, 0
	_, err := conn.Write(frame)
	require.NoError(t, err)

	resp, err := readResponse(conn)
	require.NoError(t, err)
	code, _, err := ResponseEndCode(resp)
	require.NoError(t, err)
	assert.Equal(t, EndCodeExceedReqLength, code)
}

func TestServer_Capture(t *testing.T) {
	buf := bufferCloser{&bytes.Buffer{}}
	capture, err := newPcapCapture(buf, nil)
	require.NoError(t, err)

	server := startTestServer(t, WithCapture(capture))
	client := dialTestServer(t, server, Subheader3E)
	defer client.Close()

	_, _, err = client.Do(CommandLoopback, 0, LoopbackPayload([]byte("X")))
	require.NoError(t, err)
	assert.Equal(t, 2, capture.Count())
}

func TestServer_StartStop(t *testing.T) {
	plc, err := NewState(nil)
	require.NoError(t, err)
	server := NewServer("127.0.0.1:0", plc, WithLogger(zap.NewNop()))
	assert.Nil(t, server.Addr())
	assert.Equal(t, ServerStateStopped, server.State())
	assert.True(t, server.Stats().StartTime().IsZero())

	// 啟動期間可同時讀取統計
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = server.Stats().StartTime()
		}
	}()
	before := time.Now()
	require.NoError(t, server.Start(context.Background()))
	<-done
	assert.False(t, server.Stats().StartTime().Before(before))
	assert.Error(t, server.Start(context.Background()))

	conn := dialRaw(t, server)
	_, err = conn.Write(EncodeRequest(Subheader3E, 0, CommandLoopback, 0, LoopbackPayload(nil)))
	require.NoError(t, err)
	_, err = readResponse(conn)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
	assert.Equal(t, ServerStateStopped, server.State())

	// 停止時會關閉目前的連線
	_, err = readResponse(conn)
	assert.Error(t, err)
}
