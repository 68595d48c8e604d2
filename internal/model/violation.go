package model

import (
	"fmt"
	"time"
)

// ViolationType 违规信号类别，与平台上报字段一致
type ViolationType string

const (
	ViolationTabSwitch       ViolationType = "tab_switch"
	ViolationWindowBlur      ViolationType = "window_blur"
	ViolationFullscreenExit  ViolationType = "fullscreen_exit"
	ViolationCopyAttempt     ViolationType = "copy_attempt"
	ViolationPasteAttempt    ViolationType = "paste_attempt"
	ViolationShortcutBlocked ViolationType = "shortcut_blocked"
	ViolationDevtoolsOpen    ViolationType = "devtools_open"
)

var violationTypes = map[ViolationType]bool{
	ViolationTabSwitch:       true,
	ViolationWindowBlur:      true,
	ViolationFullscreenExit:  true,
	ViolationCopyAttempt:     true,
	ViolationPasteAttempt:    true,
	ViolationShortcutBlocked: true,
	ViolationDevtoolsOpen:    true,
}

func ValidViolationType(t ViolationType) bool {
	return violationTypes[t]
}

// AllViolationTypes 按声明序返回全部类别
func AllViolationTypes() []ViolationType {
	return []ViolationType{
		ViolationTabSwitch,
		ViolationWindowBlur,
		ViolationFullscreenExit,
		ViolationCopyAttempt,
		ViolationPasteAttempt,
		ViolationShortcutBlocked,
		ViolationDevtoolsOpen,
	}
}

// ViolationLimits 各类别最大允许次数，0 表示只计数不判红
type ViolationLimits struct {
	TabSwitches     int `json:"tabSwitches"`
	FullscreenExits int `json:"fullscreenExits"`
	DevtoolsOpens   int `json:"devtoolsOpens"`
}

// LimitFor 取某类别的阈值，未设阈值的类别返回 0
func (l ViolationLimits) LimitFor(t ViolationType) int {
	switch t {
	case ViolationTabSwitch, ViolationWindowBlur:
		return l.TabSwitches
	case ViolationFullscreenExit:
		return l.FullscreenExits
	case ViolationDevtoolsOpen:
		return l.DevtoolsOpens
	default:
		return 0
	}
}

// ViolationTally 各类别单调递增计数，Flagged 一旦置位不再清除
type ViolationTally struct {
	Counts     map[ViolationType]int `json:"counts"`
	Flagged    bool                  `json:"flagged"`
	FlagReason string                `json:"flagReason,omitempty"`
}

func NewViolationTally() ViolationTally {
	return ViolationTally{Counts: make(map[ViolationType]int)}
}

// Clone 返回独立副本，调用方修改副本不影响原计数
func (t ViolationTally) Clone() ViolationTally {
	counts := make(map[ViolationType]int, len(t.Counts))
	for k, v := range t.Counts {
		counts[k] = v
	}
	return ViolationTally{Counts: counts, Flagged: t.Flagged, FlagReason: t.FlagReason}
}

func (t ViolationTally) Count(vt ViolationType) int {
	return t.Counts[vt]
}

func (t ViolationTally) Total() int {
	total := 0
	for _, v := range t.Counts {
		total += v
	}
	return total
}

// Verdict 单条信号的处理结论，返回给壳端决定是否拦截动作
type Verdict struct {
	Type     ViolationType `json:"type"`
	Count    int           `json:"count"`
	Flagged  bool          `json:"flagged"`
	Suppress bool          `json:"suppress"`
}

// Signal 壳端转发的一条原始行为信号
type Signal struct {
	Type       ViolationType `json:"type"`
	OccurredAt time.Time     `json:"occurredAt"`
	Detail     string        `json:"detail,omitempty"`
}

// ViewportMetrics 壳端窗口尺寸采样，用于开发者工具启发式判断
type ViewportMetrics struct {
	InnerWidth  int `json:"innerWidth"`
	InnerHeight int `json:"innerHeight"`
	OuterWidth  int `json:"outerWidth"`
	OuterHeight int `json:"outerHeight"`
}

// AppendFlagReason 以平台约定的分隔符拼接标记原因
func AppendFlagReason(existing, reason string) string {
	if existing == "" {
		return reason
	}
	return fmt.Sprintf("%s | %s", existing, reason)
}
