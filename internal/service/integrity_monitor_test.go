package service

import (
	"testing"
	"time"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/model"
	"exam_proctor_agent/internal/util"
)

func monitorTestSession() *model.Session {
	return &model.Session{
		AttemptID:   "a-1",
		TestID:      "t-1",
		DetectionOn: true,
		Limits: model.ViolationLimits{
			TabSwitches:     3,
			FullscreenExits: 2,
			DevtoolsOpens:   1,
		},
		Questions: []model.Question{{ID: "q1"}, {ID: "q2"}},
	}
}

func monitorTestConfig() config.ViolationConfig {
	return config.ViolationConfig{
		MaxTabSwitches:     3,
		MaxFullscreenExits: 2,
		MaxDevtoolsOpens:   1,
		DevtoolsDeltaPx:    160,
		SampleInterval:     time.Second,
		ReportPerMinute:    30,
	}
}

func TestMonitorCountsMonotonic(t *testing.T) {
	m := NewIntegrityMonitor(monitorTestSession(), monitorTestConfig(), nil, nil)

	for want := 1; want <= 3; want++ {
		v, err := m.Observe(model.Signal{Type: model.ViolationTabSwitch})
		if err != nil {
			t.Fatalf("Observe: %v", err)
		}
		if v.Count != want {
			t.Errorf("count = %d, want %d", v.Count, want)
		}
	}
	if got := m.Tally().Count(model.ViolationTabSwitch); got != 3 {
		t.Errorf("tally count = %d, want 3", got)
	}
}

func TestMonitorFlagsAtTabSwitchLimit(t *testing.T) {
	m := NewIntegrityMonitor(monitorTestSession(), monitorTestConfig(), nil, nil)

	v, _ := m.Observe(model.Signal{Type: model.ViolationTabSwitch})
	if v.Flagged {
		t.Error("flagged after first switch")
	}
	m.Observe(model.Signal{Type: model.ViolationTabSwitch})
	v, _ = m.Observe(model.Signal{Type: model.ViolationTabSwitch})
	if !v.Flagged {
		t.Error("not flagged at limit of 3")
	}

	flagged, reason := m.Flagged()
	if !flagged || reason == "" {
		t.Errorf("flag state = %v %q", flagged, reason)
	}
}

func TestMonitorFlagIsSticky(t *testing.T) {
	m := NewIntegrityMonitor(monitorTestSession(), monitorTestConfig(), nil, nil)

	m.Observe(model.Signal{Type: model.ViolationFullscreenExit})
	m.Observe(model.Signal{Type: model.ViolationFullscreenExit})

	flagged, _ := m.Flagged()
	if !flagged {
		t.Fatal("not flagged at fullscreen limit of 2")
	}

	// 后续任何信号都不得清除标记
	for i := 0; i < 10; i++ {
		v, _ := m.Observe(model.Signal{Type: model.ViolationCopyAttempt})
		if !v.Flagged {
			t.Fatal("flag dropped after later signal")
		}
	}
}

func TestMonitorClipboardAlwaysSuppressed(t *testing.T) {
	m := NewIntegrityMonitor(monitorTestSession(), monitorTestConfig(), nil, nil)

	for _, typ := range []model.ViolationType{
		model.ViolationCopyAttempt,
		model.ViolationPasteAttempt,
		model.ViolationShortcutBlocked,
	} {
		v, err := m.Observe(model.Signal{Type: typ})
		if err != nil {
			t.Fatalf("Observe(%s): %v", typ, err)
		}
		if !v.Suppress {
			t.Errorf("%s verdict not suppressed", typ)
		}
	}

	v, _ := m.Observe(model.Signal{Type: model.ViolationTabSwitch})
	if v.Suppress {
		t.Error("tab switch cannot be suppressed after the fact")
	}
}

func TestMonitorDetectionDisabled(t *testing.T) {
	sess := monitorTestSession()
	sess.DetectionOn = false
	m := NewIntegrityMonitor(sess, monitorTestConfig(), nil, nil)

	for i := 0; i < 5; i++ {
		v, err := m.Observe(model.Signal{Type: model.ViolationTabSwitch})
		if err != nil {
			t.Fatalf("Observe: %v", err)
		}
		if v.Count != 0 || v.Flagged {
			t.Errorf("detection disabled but verdict = %+v", v)
		}
	}

	// 剪贴板拦截不依赖检测开关
	v, _ := m.Observe(model.Signal{Type: model.ViolationCopyAttempt})
	if !v.Suppress {
		t.Error("copy should still be suppressed with detection off")
	}
}

func TestMonitorRejectsUnknownSignal(t *testing.T) {
	m := NewIntegrityMonitor(monitorTestSession(), monitorTestConfig(), nil, nil)

	_, err := m.Observe(model.Signal{Type: "telepathy"})
	if err != util.ErrUnknownSignal {
		t.Errorf("err = %v, want ErrUnknownSignal", err)
	}
}

func TestMonitorDevtoolsTransitionCountedOnce(t *testing.T) {
	m := NewIntegrityMonitor(monitorTestSession(), monitorTestConfig(), nil, nil)

	closed := model.ViewportMetrics{InnerWidth: 1920, InnerHeight: 1080, OuterWidth: 1920, OuterHeight: 1160}
	open := model.ViewportMetrics{InnerWidth: 1400, InnerHeight: 1080, OuterWidth: 1920, OuterHeight: 1160}

	m.ObserveViewport(closed)
	m.evaluateViewport()
	if got := m.Tally().Count(model.ViolationDevtoolsOpen); got != 0 {
		t.Fatalf("closed viewport counted %d", got)
	}

	m.ObserveViewport(open)
	m.evaluateViewport()
	m.evaluateViewport()
	m.evaluateViewport()
	if got := m.Tally().Count(model.ViolationDevtoolsOpen); got != 1 {
		t.Errorf("open state sampled repeatedly, count = %d, want 1", got)
	}

	// 关闭后再次打开记第二次
	m.ObserveViewport(closed)
	m.evaluateViewport()
	m.ObserveViewport(open)
	m.evaluateViewport()
	if got := m.Tally().Count(model.ViolationDevtoolsOpen); got != 2 {
		t.Errorf("reopen not counted, count = %d, want 2", got)
	}
}

func TestMonitorTallyCloneIsolated(t *testing.T) {
	m := NewIntegrityMonitor(monitorTestSession(), monitorTestConfig(), nil, nil)
	m.Observe(model.Signal{Type: model.ViolationTabSwitch})

	clone := m.Tally()
	clone.Counts[model.ViolationTabSwitch] = 99

	if got := m.Tally().Count(model.ViolationTabSwitch); got != 1 {
		t.Errorf("mutating clone affected monitor tally: %d", got)
	}
}

func TestMonitorViolationCallback(t *testing.T) {
	m := NewIntegrityMonitor(monitorTestSession(), monitorTestConfig(), nil, nil)

	var got []model.Verdict
	m.OnViolation(func(v model.Verdict) { got = append(got, v) })

	m.Observe(model.Signal{Type: model.ViolationTabSwitch})
	m.Observe(model.Signal{Type: model.ViolationFullscreenExit})

	if len(got) != 2 {
		t.Fatalf("callback fired %d times, want 2", len(got))
	}
	if got[0].Type != model.ViolationTabSwitch || got[1].Type != model.ViolationFullscreenExit {
		t.Errorf("callback order wrong: %+v", got)
	}
}

func TestMonitorRestoreFlags(t *testing.T) {
	m := NewIntegrityMonitor(monitorTestSession(), monitorTestConfig(), nil, nil)

	m.RestoreFlags(true, "Excessive tab switching (3 times)")
	flagged, reason := m.Flagged()
	if !flagged || reason != "Excessive tab switching (3 times)" {
		t.Errorf("restore failed: %v %q", flagged, reason)
	}

	// 恢复的标记同样粘住
	v, _ := m.Observe(model.Signal{Type: model.ViolationCopyAttempt})
	if !v.Flagged {
		t.Error("restored flag not sticky")
	}
}
