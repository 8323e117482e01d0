package labagent

import "strings"

// NativeSignal 是平台底层桥接（adb / go-ios）上报的原始连接状态。
// 取值沿用 gadb 的状态词汇：online、offline、disconnected、unauthorized 等。
type NativeSignal string

const (
	SignalNone         NativeSignal = ""
	SignalOnline       NativeSignal = "online"
	SignalOffline      NativeSignal = "offline"
	SignalDisconnected NativeSignal = "disconnected"
	SignalUnauthorized NativeSignal = "unauthorized"
	SignalBootloader   NativeSignal = "bootloader"
	SignalRecovery     NativeSignal = "recovery"
	SignalUnknown      NativeSignal = "UNKNOWN"
)

// LabState 描述实验室视角下的设备状态。
type LabState string

const (
	StateOffline      LabState = "OFFLINE"
	StateOnline       LabState = "ONLINE"
	StateDisconnected LabState = "DISCONNECTED"
	StateOther        LabState = "OTHER"

	// StateTesting and StateUnstable are never produced by MapNativeSignal.
	// They annotate a device on top of its native-derived state.
	StateTesting  LabState = "TESTING"
	StateUnstable LabState = "UNSTABLE"
)

// MapNativeSignal translates a native connectivity signal into a lab state.
// Unknown or empty signals map to StateOther.
func MapNativeSignal(signal NativeSignal) LabState {
	switch NativeSignal(strings.ToLower(strings.TrimSpace(string(signal)))) {
	case SignalOnline:
		return StateOnline
	case SignalOffline:
		return StateOffline
	case SignalDisconnected:
		return StateDisconnected
	default:
		return StateOther
	}
}

func (s LabState) String() string {
	return string(s)
}
