package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"exam_proctor_agent/internal/config"
)

func heartbeatConfig() config.SessionConfig {
	return config.SessionConfig{
		HeartbeatInterval:      time.Second,
		HeartbeatFailThreshold: 3,
	}
}

// drainConnectivity 读空枢纽积压，返回 CONNECTIVITY 事件的 online 序列
func drainConnectivity(hub *SessionHub) []bool {
	var out []bool
	for {
		select {
		case raw := <-hub.broadcast:
			var ev struct {
				Type string `json:"type"`
				Data struct {
					Online bool `json:"online"`
				} `json:"data"`
			}
			if json.Unmarshal(raw, &ev) == nil && ev.Type == EventConnectivity {
				out = append(out, ev.Data.Online)
			}
		default:
			return out
		}
	}
}

func TestHeartbeatOfflineAfterThreshold(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	client := newPlatformClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"attempt_status":"in_progress","remaining_seconds":120,"server_time":"2026-03-01T10:00:00Z"}`))
	}))

	hub := NewSessionHub()
	m := NewHeartbeatMonitor(storeTestSession(), heartbeatConfig(), client, nil, hub)

	m.beat(context.Background())
	m.beat(context.Background())
	if !m.Online() {
		t.Fatal("offline before the third consecutive failure")
	}
	if got := drainConnectivity(hub); len(got) != 0 {
		t.Fatalf("premature connectivity events: %v", got)
	}

	m.beat(context.Background())
	if m.Online() {
		t.Fatal("still online after threshold")
	}
	// 越过阈值继续失败不再重复通知
	m.beat(context.Background())
	if got := drainConnectivity(hub); len(got) != 1 || got[0] {
		t.Fatalf("connectivity events = %v, want single offline", got)
	}

	// 一次成功即恢复
	fail.Store(false)
	m.beat(context.Background())
	if !m.Online() {
		t.Fatal("not restored after success")
	}
	if got := drainConnectivity(hub); len(got) != 1 || !got[0] {
		t.Fatalf("connectivity events = %v, want single online", got)
	}

	// 恢复后计数清零：要再连续失败三次才会掉线
	fail.Store(true)
	m.beat(context.Background())
	m.beat(context.Background())
	if !m.Online() {
		t.Fatal("failure count not reset after recovery")
	}
}

func TestHeartbeatCompletedFiresOnce(t *testing.T) {
	client := newPlatformClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"attempt_status":"completed","remaining_seconds":0,"server_time":"2026-03-01T10:00:00Z"}`))
	}))

	m := NewHeartbeatMonitor(storeTestSession(), heartbeatConfig(), client, nil, NewSessionHub())
	var fired int32
	m.OnCompleted(func() { atomic.AddInt32(&fired, 1) })

	m.beat(context.Background())
	m.beat(context.Background())
	m.beat(context.Background())

	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Errorf("completed callback fired %d times, want 1", got)
	}
}
