package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/examapi"
	"exam_proctor_agent/internal/model"
	"exam_proctor_agent/internal/repository"
	"exam_proctor_agent/internal/util"
)

const platformResultJSON = `{"attempt_id":"a-1","test_id":"t-1","test_title":"Quarterly Skills Check","score":42,"total_marks":50,"percentage":84,"passed":true,"time_taken_seconds":1800}`

// platformScript 可编排的平台假服务，状态码为 0 表示正常应答
type platformScript struct {
	mu     sync.Mutex
	counts map[string]int

	uploadStatus    int
	bulkStatus      int
	completeStatus  int
	completeBody    string
	emergencyStatus int
	noAuthStatus    int
	resultStatus    int

	noAuthHadBearer bool
	noAuthEmail     string
}

func newPlatformScript() *platformScript {
	return &platformScript{counts: make(map[string]int)}
}

func (s *platformScript) bump(key string) {
	s.mu.Lock()
	s.counts[key]++
	s.mu.Unlock()
}

func (s *platformScript) calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

func (s *platformScript) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/tests/upload-answer-file":
		s.bump("upload")
		if s.uploadStatus >= 400 {
			w.WriteHeader(s.uploadStatus)
			return
		}
		w.Write([]byte(`{"file_url":"https://platform/files/answer.xlsx"}`))

	case r.URL.Path == "/api/tests/bulk-save-answers":
		s.bump("bulk")
		if s.bulkStatus >= 400 {
			w.WriteHeader(s.bulkStatus)
			return
		}
		w.Write([]byte(`{"saved_count":2}`))

	case strings.HasPrefix(r.URL.Path, "/api/tests/complete/"):
		s.bump("complete")
		if s.completeStatus >= 400 {
			w.WriteHeader(s.completeStatus)
			if s.completeBody != "" {
				w.Write([]byte(s.completeBody))
			}
			return
		}
		w.Write([]byte(platformResultJSON))

	case r.URL.Path == "/api/tests/emergency-submit-no-auth":
		s.mu.Lock()
		s.noAuthHadBearer = r.Header.Get("Authorization") != ""
		s.noAuthEmail = r.URL.Query().Get("email")
		s.mu.Unlock()
		s.bump("noauth")
		if s.noAuthStatus >= 400 {
			w.WriteHeader(s.noAuthStatus)
			return
		}
		w.Write([]byte(platformResultJSON))

	case r.URL.Path == "/api/tests/emergency-submit":
		s.bump("emergency")
		if s.emergencyStatus >= 400 {
			w.WriteHeader(s.emergencyStatus)
			return
		}
		w.Write([]byte(platformResultJSON))

	case strings.HasPrefix(r.URL.Path, "/api/tests/result/"):
		s.bump("result")
		if s.resultStatus >= 400 {
			w.WriteHeader(s.resultStatus)
			return
		}
		w.Write([]byte(platformResultJSON))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type pipelineFixture struct {
	pipeline  *SubmissionPipeline
	script    *platformScript
	store     *AnswerStore
	uploads   *UploadService
	failures  *repository.FailedSubmissionRepository
	snapshots *repository.SnapshotRepository
	hub       *SessionHub
	done      chan model.SubmissionState
}

func newPipelineFixture(t *testing.T, script *platformScript, tokens examapi.TokenProvider) *pipelineFixture {
	t.Helper()

	srv := httptest.NewServer(script)
	t.Cleanup(srv.Close)
	client := examapi.NewClient(config.PlatformConfig{BaseURL: srv.URL, RequestTimeout: 2 * time.Second}, tokens)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "agent.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.SessionSnapshot{}, &model.FailedSubmission{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	snapshots := repository.NewSnapshotRepository(db)
	failures := repository.NewFailedSubmissionRepository(db)

	sess := storeTestSession()
	store := NewAnswerStore(sess, client, snapshots)
	uploads := NewUploadService(&config.StorageConfig{
		Providers: []string{util.ProviderPlatform},
		SpoolPath: t.TempDir(),
	}, client)
	monitor := NewIntegrityMonitor(sess, monitorTestConfig(), nil, nil)
	hub := NewSessionHub()

	cfg := config.SessionConfig{
		MaxRetries:          3,
		RetryBaseDelay:      time.Millisecond,
		EmergencyRetryDelay: time.Millisecond,
		FileDecisionTimeout: 2 * time.Second,
	}

	p := NewSubmissionPipeline(sess, cfg, client, store, uploads, monitor, failures, snapshots, hub, tokens)
	done := make(chan model.SubmissionState, 1)
	p.OnTerminal(func(st model.SubmissionState) { done <- st })

	return &pipelineFixture{
		pipeline:  p,
		script:    script,
		store:     store,
		uploads:   uploads,
		failures:  failures,
		snapshots: snapshots,
		hub:       hub,
		done:      done,
	}
}

func (f *pipelineFixture) wait(t *testing.T) model.SubmissionState {
	t.Helper()
	select {
	case st := <-f.done:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not reach a terminal state")
		return ""
	}
}

// hubEventTypes 清空枢纽积压并返回事件类型序列
func (f *pipelineFixture) hubEventTypes() []string {
	var types []string
	for {
		select {
		case raw := <-f.hub.broadcast:
			var ev struct {
				Type string `json:"type"`
			}
			json.Unmarshal(raw, &ev)
			types = append(types, ev.Type)
		default:
			return types
		}
	}
}

func TestPipelineHappyPath(t *testing.T) {
	f := newPipelineFixture(t, newPlatformScript(), testTokens{token: "tok-1", email: "cand@example.com"})
	f.store.Set("q1", "alpha")
	f.store.Set("q2", "beta")
	f.snapshots.Upsert(&model.SessionSnapshot{AttemptID: "a-1", TestID: "t-1", SavedAt: time.Now()})

	if ok := f.pipeline.Trigger(context.Background(), model.TriggerManual); !ok {
		t.Fatal("first trigger rejected")
	}
	if st := f.wait(t); st != model.StateSucceeded {
		t.Fatalf("state = %s", st)
	}

	if got := f.script.calls("bulk"); got != 1 {
		t.Errorf("bulk calls = %d", got)
	}
	if got := f.script.calls("complete"); got != 1 {
		t.Errorf("complete calls = %d", got)
	}

	res, err := f.pipeline.Result()
	if err != nil || res.Score != 42 || !res.Passed {
		t.Errorf("result = %+v %v", res, err)
	}

	// 收卷成功后快照必须清掉
	if _, err := f.snapshots.FindByAttemptID("a-1"); err != gorm.ErrRecordNotFound {
		t.Errorf("snapshot still present: %v", err)
	}

	types := f.hubEventTypes()
	if len(types) == 0 || types[len(types)-1] != EventSessionEnd {
		t.Errorf("events = %v, want trailing SESSION_END", types)
	}
}

func TestPipelineReentrancyGuard(t *testing.T) {
	f := newPipelineFixture(t, newPlatformScript(), testTokens{token: "tok-1"})
	f.store.Set("q1", "alpha")

	var started int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.pipeline.Trigger(context.Background(), model.TriggerExpiry) {
				atomic.AddInt32(&started, 1)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&started); got != 1 {
		t.Errorf("started = %d, want exactly 1", got)
	}
	if st := f.wait(t); st != model.StateSucceeded {
		t.Fatalf("state = %s", st)
	}
	if got := f.script.calls("complete"); got != 1 {
		t.Errorf("complete calls = %d, want 1", got)
	}
}

func TestPipelineEscalatesToEmergency(t *testing.T) {
	script := newPlatformScript()
	script.completeStatus = http.StatusServiceUnavailable
	f := newPipelineFixture(t, script, testTokens{token: "tok-1"})
	f.store.Set("q1", "alpha")

	f.pipeline.Trigger(context.Background(), model.TriggerManual)
	if st := f.wait(t); st != model.StateSucceeded {
		t.Fatalf("state = %s", st)
	}

	if got := script.calls("complete"); got != 3 {
		t.Errorf("complete attempts = %d, want 3", got)
	}
	if got := script.calls("emergency"); got != 1 {
		t.Errorf("emergency attempts = %d, want 1", got)
	}

	res, err := f.pipeline.Result()
	if err != nil || res.Score != 42 {
		t.Errorf("emergency result = %+v %v", res, err)
	}
}

func TestPipelineAuthExpiredJumpsToNoAuth(t *testing.T) {
	script := newPlatformScript()
	script.completeStatus = http.StatusUnauthorized
	f := newPipelineFixture(t, script, testTokens{token: "tok-1", email: "cand@example.com"})
	f.store.Set("q1", "alpha")

	f.pipeline.Trigger(context.Background(), model.TriggerManual)
	if st := f.wait(t); st != model.StateSucceeded {
		t.Fatalf("state = %s", st)
	}

	// 令牌失效不重试当前档，也不再碰带凭证的紧急档
	if got := script.calls("complete"); got != 1 {
		t.Errorf("complete attempts = %d, want 1", got)
	}
	if got := script.calls("emergency"); got != 0 {
		t.Errorf("emergency attempts = %d, want 0", got)
	}
	if got := script.calls("noauth"); got != 1 {
		t.Errorf("noauth attempts = %d, want 1", got)
	}

	script.mu.Lock()
	hadBearer, email := script.noAuthHadBearer, script.noAuthEmail
	script.mu.Unlock()
	if hadBearer {
		t.Error("no-auth tier still sent a bearer header")
	}
	if email != "cand@example.com" {
		t.Errorf("identity hint = %q", email)
	}
}

func TestPipelineExpiredTokenPreCheck(t *testing.T) {
	expired, err := util.GenerateAgentToken("test-secret", -time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	script := newPlatformScript()
	f := newPipelineFixture(t, script, testTokens{token: expired, email: "cand@example.com"})
	f.store.Set("q1", "alpha")

	f.pipeline.Trigger(context.Background(), model.TriggerManual)
	if st := f.wait(t); st != model.StateSucceeded {
		t.Fatalf("state = %s", st)
	}

	// 本地预判令牌已过期，带凭证的档位一个都不该打
	for _, key := range []string{"bulk", "complete", "emergency"} {
		if got := script.calls(key); got != 0 {
			t.Errorf("%s attempts = %d, want 0", key, got)
		}
	}
	if got := script.calls("noauth"); got != 1 {
		t.Errorf("noauth attempts = %d, want 1", got)
	}
}

func TestPipelineAlreadyCompletedIsSuccess(t *testing.T) {
	script := newPlatformScript()
	script.completeStatus = http.StatusConflict
	script.completeBody = `{"detail":"Test already completed"}`
	f := newPipelineFixture(t, script, testTokens{token: "tok-1"})
	f.store.Set("q1", "alpha")

	f.pipeline.Trigger(context.Background(), model.TriggerManual)
	if st := f.wait(t); st != model.StateSucceeded {
		t.Fatalf("state = %s", st)
	}

	// 幂等：已完成按成功处理，补查一次结果
	if got := script.calls("complete"); got != 1 {
		t.Errorf("complete attempts = %d, want 1", got)
	}
	if got := script.calls("result"); got != 1 {
		t.Errorf("result fetches = %d, want 1", got)
	}
	res, err := f.pipeline.Result()
	if err != nil || res.Score != 42 {
		t.Errorf("result = %+v %v", res, err)
	}
}

func TestPipelineValidationErrorSkipsTier(t *testing.T) {
	script := newPlatformScript()
	script.completeStatus = http.StatusUnprocessableEntity
	f := newPipelineFixture(t, script, testTokens{token: "tok-1"})
	f.store.Set("q1", "alpha")

	f.pipeline.Trigger(context.Background(), model.TriggerManual)
	if st := f.wait(t); st != model.StateSucceeded {
		t.Fatalf("state = %s", st)
	}

	// 畸形请求不重试，直接降档
	if got := script.calls("complete"); got != 1 {
		t.Errorf("complete attempts = %d, want 1", got)
	}
	if got := script.calls("emergency"); got != 1 {
		t.Errorf("emergency attempts = %d, want 1", got)
	}
}

func TestPipelineAllTiersExhausted(t *testing.T) {
	script := newPlatformScript()
	script.bulkStatus = http.StatusServiceUnavailable
	script.completeStatus = http.StatusServiceUnavailable
	script.emergencyStatus = http.StatusServiceUnavailable
	f := newPipelineFixture(t, script, testTokens{token: "tok-1", email: "cand@example.com"})
	f.store.Set("q1", "alpha")
	f.store.SetFileRef("q2", "spool/a-1/q2.xlsx")

	f.pipeline.Trigger(context.Background(), model.TriggerExpiry)
	if st := f.wait(t); st != model.StateDurablyFailed {
		t.Fatalf("state = %s", st)
	}

	if got := script.calls("complete"); got != 3 {
		t.Errorf("complete attempts = %d, want 3", got)
	}
	if got := script.calls("emergency"); got != 3 {
		t.Errorf("emergency attempts = %d, want 3", got)
	}
	// 令牌没过期，免认证档不该出场
	if got := script.calls("noauth"); got != 0 {
		t.Errorf("noauth attempts = %d, want 0", got)
	}

	if _, err := f.pipeline.Result(); err != util.ErrNoResultYet {
		t.Errorf("Result err = %v, want ErrNoResultYet", err)
	}

	// 留存记录必须包含所有设置过的答案
	rec, err := f.failures.FindByAttemptID("a-1")
	if err != nil {
		t.Fatalf("failed record missing: %v", err)
	}
	var answers map[string]string
	if err := json.Unmarshal([]byte(rec.Answers), &answers); err != nil {
		t.Fatalf("answers json: %v", err)
	}
	if answers["q1"] != "alpha" || answers["q2"] != "FILE:spool/a-1/q2.xlsx" {
		t.Errorf("preserved answers = %v", answers)
	}
	if rec.CandidateEmail != "cand@example.com" || rec.LastError == "" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Retried {
		t.Error("fresh record marked retried")
	}

	types := f.hubEventTypes()
	if len(types) == 0 || types[len(types)-1] != EventSessionEnd {
		t.Errorf("events = %v, want trailing SESSION_END", types)
	}
}

func awaitDecisionPoint(t *testing.T, p *SubmissionPipeline) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !p.DecisionPending() {
		if time.Now().After(deadline) {
			t.Fatal("file decision point never reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPipelineFileDecisionDecline(t *testing.T) {
	script := newPlatformScript()
	script.uploadStatus = http.StatusServiceUnavailable
	f := newPipelineFixture(t, script, testTokens{token: "tok-1"})

	// 附件上传失败，只留了底
	res, err := f.uploads.Store(context.Background(), "a-1", "q2", "sheet.xlsx", []byte("cells"))
	if err != nil || !res.Pending {
		t.Fatalf("spool store = %+v %v", res, err)
	}
	f.store.SetFileRef("q2", res.FileRef)
	f.store.Set("q1", "alpha")

	f.pipeline.Trigger(context.Background(), model.TriggerManual)
	awaitDecisionPoint(t, f.pipeline)

	if err := f.pipeline.ResolveFileDecision(false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if st := f.wait(t); st != model.StateDurablyFailed {
		t.Fatalf("state = %s", st)
	}

	rec, err := f.failures.FindByAttemptID("a-1")
	if err != nil {
		t.Fatalf("failed record missing: %v", err)
	}
	if rec.FileSpoolPath == "" {
		t.Error("spool path not recorded for the preserved file")
	}
}

func TestPipelineFileDecisionAcceptContinues(t *testing.T) {
	script := newPlatformScript()
	script.uploadStatus = http.StatusServiceUnavailable
	f := newPipelineFixture(t, script, testTokens{token: "tok-1"})

	res, _ := f.uploads.Store(context.Background(), "a-1", "q2", "sheet.xlsx", []byte("cells"))
	f.store.SetFileRef("q2", res.FileRef)
	f.store.Set("q1", "alpha")

	f.pipeline.Trigger(context.Background(), model.TriggerManual)
	awaitDecisionPoint(t, f.pipeline)

	if err := f.pipeline.ResolveFileDecision(true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if st := f.wait(t); st != model.StateSucceeded {
		t.Fatalf("state = %s", st)
	}
	if got := f.script.calls("complete"); got != 1 {
		t.Errorf("complete attempts = %d", got)
	}
}

func TestPipelineFileDecisionTimeout(t *testing.T) {
	script := newPlatformScript()
	script.uploadStatus = http.StatusServiceUnavailable
	f := newPipelineFixture(t, script, testTokens{token: "tok-1"})
	f.pipeline.cfg.FileDecisionTimeout = 50 * time.Millisecond

	res, _ := f.uploads.Store(context.Background(), "a-1", "q2", "sheet.xlsx", []byte("cells"))
	f.store.SetFileRef("q2", res.FileRef)

	f.pipeline.Trigger(context.Background(), model.TriggerExpiry)
	if st := f.wait(t); st != model.StateDurablyFailed {
		t.Fatalf("state = %s", st)
	}
	if err := f.pipeline.ResolveFileDecision(true); err != util.ErrNoDecisionPending {
		t.Errorf("late resolve err = %v, want ErrNoDecisionPending", err)
	}
}
