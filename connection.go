package main

import (
	"errors"
	"io"
	"net"

	"go.uber.org/zap"
)

// ConnState 單一連線的處理狀態
type ConnState int32

const (
	ConnStateIdle ConnState = iota
	ConnStateAwaitingFrame
	ConnStateDispatching
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateIdle:
		return "idle"
	case ConnStateAwaitingFrame:
		return "awaiting_frame"
	case ConnStateDispatching:
		return "dispatching"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// serve 處理單一連線直到 EOF 或傳輸錯誤；連線開始前記憶體會重新載入資料集
func (s *Server) serve(conn net.Conn) {
	log := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))

	s.setActive(conn)
	defer func() {
		_ = conn.Close()
		s.setActive(nil)
		s.connState.Store(int32(ConnStateClosed))
	}()
	if s.State() != ServerStateRunning {
		return
	}

	if err := s.plc.Reset(); err != nil {
		log.Error("重新載入資料集失敗", zap.Error(err))
		return
	}
	log.Info("連線已建立")

	buf := make([]byte, 0, s.maxFrameSize)
	chunk := make([]byte, s.receiveBufferSize)

	for {
		s.connState.Store(int32(ConnStateAwaitingFrame))
		n, readErr := conn.Read(chunk)
		if n > 0 {
			var err error
			buf = append(buf, chunk[:n]...)
			if buf, err = s.drain(conn, buf); err != nil {
				s.logTransport(log, err)
				return
			}
		}
		if readErr != nil {
			s.logTransport(log, readErr)
			return
		}
	}
}

// drain 處理緩衝區內所有完整的訊框，回傳剩餘的不完整資料
func (s *Server) drain(conn net.Conn, buf []byte) ([]byte, error) {
	for {
		raw, used := splitFrame(buf)
		if used == 0 {
			break
		}

		s.connState.Store(int32(ConnStateDispatching))
		resp, code := s.handleFrame(raw)
		if s.capture != nil {
			s.capture.Record(DirectionRequest, conn.RemoteAddr(), conn.LocalAddr(), raw)
			s.capture.Record(DirectionResponse, conn.LocalAddr(), conn.RemoteAddr(), resp)
		}
		s.stats.recordResponse(code, len(raw), len(resp))

		if _, err := conn.Write(resp); err != nil {
			return nil, newTransportFault("傳送回應失敗", err)
		}
		buf = append(buf[:0], buf[used:]...)
	}

	// 長度欄位宣告的訊框超過上限時丟棄緩衝並回報長度錯誤
	if len(buf) >= s.maxFrameSize {
		resp := EncodeError(defaultResponseSerial, EndCodeExceedReqLength)
		s.stats.recordResponse(EndCodeExceedReqLength, len(buf), len(resp))
		if _, err := conn.Write(resp); err != nil {
			return nil, newTransportFault("傳送回應失敗", err)
		}
		buf = buf[:0]
	}
	return buf, nil
}

// handleFrame 解碼並處理單一訊框，錯誤轉換為錯誤回應
func (s *Server) handleFrame(raw []byte) ([]byte, EndCode) {
	f, err := DecodeFrame(raw)
	var payload []byte
	if err == nil {
		payload, err = s.dispatcher.Dispatch(f)
	}
	if err != nil {
		code := EndCodeFor(err)
		s.logger.Debug("回傳錯誤結束碼",
			zap.Stringer("end_code", code),
			zap.Uint16("command", f.Command),
			zap.Error(err),
		)
		return EncodeError(f.Serial, code), code
	}
	return EncodeResponse(f.Serial, payload), EndCodeSuccess
}

func (s *Server) logTransport(log *zap.Logger, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		log.Info("連線已關閉")
		return
	}
	log.Warn("連線傳輸錯誤", zap.Error(err))
}
