package main

import (
	"errors"
	"fmt"
)

// FaultKind 錯誤分類
type FaultKind int

const (
	FaultDeviceLookup FaultKind = iota
	FaultUnknownLabel
	FaultIndexing
	FaultNotWritable
	FaultUnsupportedCommand
	FaultMalformedFrame
	FaultTransport
)

func (k FaultKind) String() string {
	switch k {
	case FaultDeviceLookup:
		return "DeviceLookupFault"
	case FaultUnknownLabel:
		return "UnknownLabelFault"
	case FaultIndexing:
		return "IndexingFault"
	case FaultNotWritable:
		return "NotWritableFault"
	case FaultUnsupportedCommand:
		return "UnsupportedCommandFault"
	case FaultMalformedFrame:
		return "MalformedFrameFault"
	case FaultTransport:
		return "TransportFault"
	default:
		return "UnknownFault"
	}
}

// EndCode 回傳該分類預設對應的結束碼
func (k FaultKind) EndCode() EndCode {
	switch k {
	case FaultDeviceLookup:
		return EndCodeInvalidDevice
	case FaultUnknownLabel:
		return EndCodeInvalidGlobalLabel
	case FaultNotWritable:
		return EndCodeUnableToWrite
	case FaultUnsupportedCommand:
		return EndCodeWrongCommand
	case FaultIndexing, FaultMalformedFrame:
		return EndCodeWrongFormat
	default:
		return EndCodeInvalidEndCode
	}
}

// Fault SLMP 處理錯誤
type Fault struct {
	Kind    FaultKind
	Code    EndCode
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func newFault(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{
		Kind:    kind,
		Code:    kind.EndCode(),
		Message: fmt.Sprintf(format, args...),
	}
}

// errShortPayload 資料長度不足
func errShortPayload(what string, got, need int) *Fault {
	f := newFault(FaultMalformedFrame, "%s 長度不足: %d bytes (至少 %d)", what, got, need)
	f.Code = EndCodeWrongLength
	return f
}

// newTransportFault 連線層錯誤，不會編碼為回應
func newTransportFault(message string, err error) *Fault {
	f := newFault(FaultTransport, "%s", message)
	f.Err = err
	return f
}

// EndCodeFor 將錯誤轉換為回應用的結束碼
func EndCodeFor(err error) EndCode {
	if err == nil {
		return EndCodeSuccess
	}
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Code
	}
	return EndCodeWrongCommand
}

// IsFault 判斷錯誤是否屬於指定分類
func IsFault(err error, kind FaultKind) bool {
	var fault *Fault
	return errors.As(err, &fault) && fault.Kind == kind
}
