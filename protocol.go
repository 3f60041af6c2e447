package main

import "fmt"

// SLMP 協議常數
const (
	// 副標頭 (請求)
	Subheader3E    = 0x0050
	Subheader4E    = 0x0054
	Subheader4EAlt = 0x0068

	// 指令
	CommandDeviceRead  = 0x0401
	CommandDeviceWrite = 0x1401
	CommandLabelRead   = 0x041C
	CommandLabelWrite  = 0x141B
	CommandLoopback    = 0x0619

	// 子指令
	SubcommandWord          = 0x0000
	SubcommandBit           = 0x0001
	SubcommandWordExtension = 0x0082

	// 擴充指定類型
	ExtensionTypeModule    = 0xF8
	ExtensionTypeCPUBuffer = 0xFA

	// 選擇位元組: 0x00 代表擴充位址指定
	SelectorExtension = 0x00

	// SLMP TCP 常數
	SLMPDefaultPort = 5007
	MonitoringTimer = 0x0000

	// 請求標頭中，長度欄位之後到指令之前的監視計時器長度
	timerLength = 2
)

// EndCode SLMP 結束碼
type EndCode uint16

const (
	EndCodeSuccess                      EndCode = 0x0000
	EndCodeInvalidEndCode               EndCode = 0x0001
	EndCodeInvalidDevice                EndCode = 0x0002
	EndCodeUnableToWrite                EndCode = 0x0055
	EndCodeWrongCommand                 EndCode = 0xC059
	EndCodeWrongFormat                  EndCode = 0xC05C
	EndCodeWrongLength                  EndCode = 0xC061
	EndCodeBusy                         EndCode = 0xCEE0
	EndCodeExceedReqLength              EndCode = 0xCEE1
	EndCodeExceedRespLength             EndCode = 0xCEE2
	EndCodeServerNotFound               EndCode = 0xCF10
	EndCodeWrongConfigItem              EndCode = 0xCF20
	EndCodePrmIDNotFound                EndCode = 0xCF30
	EndCodeNotStartExclusiveWrite       EndCode = 0xCF31
	EndCodeRelayFailure                 EndCode = 0xCF70
	EndCodeTimeoutError                 EndCode = 0xCF71
	EndCodeCANAppNotPermittedRead       EndCode = 0xCCC7
	EndCodeCANAppWriteOnly              EndCode = 0xCCC8
	EndCodeCANAppReadOnly               EndCode = 0xCCC9
	EndCodeCANAppUndefinedObjectAccess  EndCode = 0xCCCA
	EndCodeCANAppNotPermittedPDOMapping EndCode = 0xCCCB
	EndCodeCANAppExceedPDOMapping       EndCode = 0xCCCC
	EndCodeCANAppNotExistSubIndex       EndCode = 0xCCD3
	EndCodeCANAppWrongParameter         EndCode = 0xCCD4
	EndCodeCANAppMoreOverParameterRange EndCode = 0xCCD5
	EndCodeCANAppLessOverParameterRange EndCode = 0xCCD6
	EndCodeCANAppTransOrStoreError      EndCode = 0xCCDA
	EndCodeCANAppOtherError             EndCode = 0xCCFF
	EndCodeOtherNetworkError            EndCode = 0xCF00
	EndCodeDataFragmentShortage         EndCode = 0xCF40
	EndCodeDataFragmentDup              EndCode = 0xCF41
	EndCodeDataFragmentLost             EndCode = 0xCF43
	EndCodeDataFragmentNotSupport       EndCode = 0xCF44
	EndCodeInvalidGlobalLabel           EndCode = 0x40C0
)

var endCodeNames = map[EndCode]string{
	EndCodeSuccess:                      "Success",
	EndCodeInvalidEndCode:               "InvalidEndCode",
	EndCodeInvalidDevice:                "InvalidDevice",
	EndCodeUnableToWrite:                "UnableToWrite",
	EndCodeWrongCommand:                 "WrongCommand",
	EndCodeWrongFormat:                  "WrongFormat",
	EndCodeWrongLength:                  "WrongLength",
	EndCodeBusy:                         "Busy",
	EndCodeExceedReqLength:              "ExceedReqLength",
	EndCodeExceedRespLength:             "ExceedRespLength",
	EndCodeServerNotFound:               "ServerNotFound",
	EndCodeWrongConfigItem:              "WrongConfigItem",
	EndCodePrmIDNotFound:                "PrmIDNotFound",
	EndCodeNotStartExclusiveWrite:       "NotStartExclusiveWrite",
	EndCodeRelayFailure:                 "RelayFailure",
	EndCodeTimeoutError:                 "TimeoutError",
	EndCodeCANAppNotPermittedRead:       "CANAppNotPermittedRead",
	EndCodeCANAppWriteOnly:              "CANAppWriteOnly",
	EndCodeCANAppReadOnly:               "CANAppReadOnly",
	EndCodeCANAppUndefinedObjectAccess:  "CANAppUndefinedObjectAccess",
	EndCodeCANAppNotPermittedPDOMapping: "CANAppNotPermittedPDOMapping",
	EndCodeCANAppExceedPDOMapping:       "CANAppExceedPDOMapping",
	EndCodeCANAppNotExistSubIndex:       "CANAppNotExistSubIndex",
	EndCodeCANAppWrongParameter:         "CANAppWrongParameter",
	EndCodeCANAppMoreOverParameterRange: "CANAppMoreOverParameterRange",
	EndCodeCANAppLessOverParameterRange: "CANAppLessOverParameterRange",
	EndCodeCANAppTransOrStoreError:      "CANAppTransOrStoreError",
	EndCodeCANAppOtherError:             "CANAppOtherError",
	EndCodeOtherNetworkError:            "OtherNetworkError",
	EndCodeDataFragmentShortage:         "DataFragmentShortage",
	EndCodeDataFragmentDup:              "DataFragmentDup",
	EndCodeDataFragmentLost:             "DataFragmentLost",
	EndCodeDataFragmentNotSupport:       "DataFragmentNotSupport",
	EndCodeInvalidGlobalLabel:           "InvalidGlobalLabel",
}

// String 回傳結束碼名稱，未知的廠商代碼原樣以十六進位表示
func (c EndCode) String() string {
	if name, ok := endCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", uint16(c))
}

// DeviceKind 軟元件存取粒度
type DeviceKind int

const (
	DeviceKindBit DeviceKind = iota
	DeviceKindWord
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceKindBit:
		return "bit"
	case DeviceKindWord:
		return "word"
	default:
		return "unknown"
	}
}

// responseSubheader 將請求副標頭對應到回應副標頭
func responseSubheader(subheader uint16) (byte, bool) {
	switch subheader {
	case Subheader3E:
		return 0xD0, true
	case Subheader4E:
		return 0xD4, true
	case Subheader4EAlt:
		return 0xE8, true
	default:
		return 0, false
	}
}
