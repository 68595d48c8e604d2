package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/examapi"
	"exam_proctor_agent/internal/model"
	"exam_proctor_agent/internal/repository"
	"exam_proctor_agent/internal/util"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const sessionResultJSON = `{"attempt_id":"a-9","test_id":"t-9","test_title":"Algorithms Final","score":18,"total_marks":20,"percentage":90,"passed":true,"time_taken_seconds":1500}`

// sessionScript 覆盖会话全生命周期的平台假服务
type sessionScript struct {
	mu     sync.Mutex
	counts map[string]int

	started       examapi.TestSessionResponse
	recovered     []examapi.AnswerPayload
	startStatus   int
	sessionStatus int
	heartbeatBody string

	completeStatus int
	completeBody   string
	completeGate   chan struct{}

	startAuth     string
	completeFlips int
}

func defaultStarted() examapi.TestSessionResponse {
	return examapi.TestSessionResponse{
		AttemptID:       "a-9",
		TestID:          "t-9",
		TestTitle:       "Algorithms Final",
		DurationMinutes: 30,
		TotalQuestions:  3,
		Questions: []examapi.QuestionPayload{
			{ID: "q2", QuestionText: "Explain quicksort.", QuestionType: "essay", Order: 2},
			{ID: "q1", QuestionText: "Define Big-O notation.", QuestionType: "short", Order: 1},
			{ID: "q3", QuestionText: "Attach your worksheet.", QuestionType: "file", Order: 3},
		},
		StartedAt:                time.Now().Add(-time.Minute),
		EnableTabSwitchDetection: true,
		MaxTabSwitchesAllowed:    2,
	}
}

func newSessionScript() *sessionScript {
	return &sessionScript{counts: make(map[string]int), started: defaultStarted()}
}

func (s *sessionScript) bump(key string) {
	s.mu.Lock()
	s.counts[key]++
	s.mu.Unlock()
}

func (s *sessionScript) calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

func (s *sessionScript) startAuthHeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startAuth
}

func (s *sessionScript) completeTabSwitches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeFlips
}

func (s *sessionScript) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/start"):
		s.mu.Lock()
		s.startAuth = r.Header.Get("Authorization")
		s.mu.Unlock()
		s.bump("start")
		if s.startStatus >= 400 {
			w.WriteHeader(s.startStatus)
			return
		}
		json.NewEncoder(w).Encode(s.started)

	case strings.HasSuffix(r.URL.Path, "/session"):
		s.bump("session")
		if s.sessionStatus >= 400 {
			w.WriteHeader(s.sessionStatus)
			return
		}
		json.NewEncoder(w).Encode(s.started)

	case strings.HasPrefix(r.URL.Path, "/api/tests/recover-answers/"):
		s.bump("recover")
		json.NewEncoder(w).Encode(map[string]interface{}{"answers": s.recovered})

	case r.URL.Path == "/api/tests/auto-save-answer":
		s.bump("autosave")
		w.Write([]byte(`{}`))

	case r.URL.Path == "/api/tests/bulk-save-answers":
		s.bump("bulk")
		w.Write([]byte(`{"saved_count":1}`))

	case r.URL.Path == "/api/tests/upload-answer-file":
		s.bump("upload")
		w.Write([]byte(`{"file_url":"https://platform/files/worksheet.xlsx"}`))

	case strings.HasPrefix(r.URL.Path, "/api/tests/heartbeat/"):
		s.bump("heartbeat")
		body := s.heartbeatBody
		if body == "" {
			body = `{"attempt_status":"in_progress","remaining_seconds":600}`
		}
		w.Write([]byte(body))

	case strings.HasPrefix(r.URL.Path, "/api/tests/complete/"):
		var req struct {
			TabSwitches int `json:"tab_switches"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.completeFlips = req.TabSwitches
		s.mu.Unlock()
		s.bump("complete")
		if s.completeGate != nil {
			<-s.completeGate
		}
		if s.completeStatus >= 400 {
			w.WriteHeader(s.completeStatus)
			if s.completeBody != "" {
				w.Write([]byte(s.completeBody))
			}
			return
		}
		w.Write([]byte(sessionResultJSON))

	case r.URL.Path == "/api/tests/emergency-submit":
		s.bump("emergency")
		w.Write([]byte(sessionResultJSON))

	case r.URL.Path == "/api/tests/emergency-submit-no-auth":
		s.bump("noauth")
		w.Write([]byte(sessionResultJSON))

	case r.URL.Path == "/api/tests/flag-violation":
		s.bump("violation")
		w.Write([]byte(`{"violation_count":1,"is_flagged":false}`))

	case r.URL.Path == "/api/tests/auto-complete-expired":
		s.bump("autocomplete")
		w.Write([]byte(`{"completed_count":1}`))

	case strings.HasPrefix(r.URL.Path, "/api/tests/result/"):
		s.bump("result")
		w.Write([]byte(sessionResultJSON))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type serviceFixture struct {
	svc    *SessionService
	script *sessionScript
	hub    *SessionHub
	tokens *TokenStore
	cfg    *config.Config

	snapshots *repository.SnapshotRepository
	journal   *repository.ViolationEventRepository
	failures  *repository.FailedSubmissionRepository
}

func newServiceFixture(t *testing.T, script *sessionScript) *serviceFixture {
	t.Helper()

	srv := httptest.NewServer(script)
	t.Cleanup(srv.Close)

	tokens := NewTokenStore()
	api := examapi.NewClient(config.PlatformConfig{BaseURL: srv.URL, RequestTimeout: 2 * time.Second}, tokens)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "agent.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.SessionSnapshot{}, &model.FailedSubmission{}, &model.ViolationEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	snapshots := repository.NewSnapshotRepository(db)
	journal := repository.NewViolationEventRepository(db)
	failures := repository.NewFailedSubmissionRepository(db)

	// 长间隔让周期循环保持安静，测试只驱动显式调用
	cfg := &config.Config{
		Session: config.SessionConfig{
			TickInterval:           20 * time.Millisecond,
			SnapshotInterval:       time.Hour,
			PushInterval:           time.Hour,
			HeartbeatInterval:      time.Hour,
			HeartbeatFailThreshold: 3,
			MaxRetries:             2,
			RetryBaseDelay:         time.Millisecond,
			EmergencyRetryDelay:    time.Millisecond,
			FileDecisionTimeout:    time.Second,
			ExpiredGrace:           time.Minute,
		},
		Violation: config.ViolationConfig{
			MaxTabSwitches:     3,
			MaxFullscreenExits: 2,
			MaxDevtoolsOpens:   1,
			DevtoolsDeltaPx:    160,
			SampleInterval:     time.Hour,
			ReportPerMinute:    60,
		},
		Storage: config.StorageConfig{
			Providers: []string{util.ProviderPlatform},
			SpoolPath: t.TempDir(),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewSessionHub()
	svc := NewSessionService(ctx, cfg, api, tokens, hub, snapshots, journal, failures)

	return &serviceFixture{
		svc:       svc,
		script:    script,
		hub:       hub,
		tokens:    tokens,
		cfg:       cfg,
		snapshots: snapshots,
		journal:   journal,
		failures:  failures,
	}
}

func (f *serviceFixture) start(t *testing.T) *SessionState {
	t.Helper()
	st, err := f.svc.Start(context.Background(), "t-9", "tok-abc", "cand@example.com")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return st
}

// awaitSubmitResult 轮询直到流水线给出判分
func (f *serviceFixture) awaitSubmitResult(t *testing.T) *model.TestResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := f.svc.Result()
		if err == nil {
			return res
		}
		if !errors.Is(err, util.ErrNoResultYet) {
			t.Fatalf("result: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no submission result before deadline")
	return nil
}

func (f *serviceFixture) hubEvents() []string {
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

func TestStartReturnsSessionState(t *testing.T) {
	f := newServiceFixture(t, newSessionScript())

	st := f.start(t)

	if st.AttemptID != "a-9" || st.TestID != "t-9" {
		t.Fatalf("identity = %s / %s", st.AttemptID, st.TestID)
	}
	if len(st.Questions) != 3 {
		t.Fatalf("questions = %d", len(st.Questions))
	}
	if st.Questions[0].ID != "q1" || st.Questions[1].ID != "q2" || st.Questions[2].ID != "q3" {
		t.Fatalf("questions not in paper order: %+v", st.Questions)
	}
	if !st.ServerAnchored {
		t.Fatal("clock should anchor to the server start timestamp")
	}
	if st.Expired {
		t.Fatal("fresh session reported expired")
	}
	if st.RemainingSeconds <= 0 {
		t.Fatalf("remaining = %d", st.RemainingSeconds)
	}
	if st.SubmitState != model.StateNotStarted {
		t.Fatalf("submit state = %s", st.SubmitState)
	}
	if !st.PlatformOnline {
		t.Fatal("platform should start online")
	}
	if got := f.script.startAuthHeader(); got != "Bearer tok-abc" {
		t.Fatalf("start auth = %q", got)
	}
}

func TestStartIdempotentForSameTest(t *testing.T) {
	f := newServiceFixture(t, newSessionScript())

	first := f.start(t)
	second, err := f.svc.Start(context.Background(), "t-9", "tok-abc", "cand@example.com")
	if err != nil {
		t.Fatalf("repeat start: %v", err)
	}
	if second.AttemptID != first.AttemptID {
		t.Fatalf("attempt changed across repeat start: %s vs %s", second.AttemptID, first.AttemptID)
	}
	if got := f.script.calls("start"); got != 1 {
		t.Fatalf("platform start calls = %d, want 1", got)
	}
}

func TestStartRejectsDifferentTestWhileActive(t *testing.T) {
	f := newServiceFixture(t, newSessionScript())
	f.start(t)

	_, err := f.svc.Start(context.Background(), "t-other", "tok-abc", "cand@example.com")
	if !errors.Is(err, util.ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
	if got := f.script.calls("start"); got != 1 {
		t.Fatalf("platform start calls = %d, want 1", got)
	}
}

func TestStartResumesWhenStartRejected(t *testing.T) {
	script := newSessionScript()
	script.startStatus = http.StatusConflict
	f := newServiceFixture(t, script)

	st := f.start(t)
	if st.AttemptID != "a-9" {
		t.Fatalf("attempt = %s", st.AttemptID)
	}
	if f.script.calls("start") != 1 || f.script.calls("session") != 1 {
		t.Fatalf("calls start=%d session=%d", f.script.calls("start"), f.script.calls("session"))
	}
}

func TestStartFailureClearsToken(t *testing.T) {
	script := newSessionScript()
	script.startStatus = http.StatusInternalServerError
	script.sessionStatus = http.StatusInternalServerError
	f := newServiceFixture(t, script)

	_, err := f.svc.Start(context.Background(), "t-9", "tok-abc", "cand@example.com")
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if f.tokens.Token() != "" {
		t.Fatal("token not cleared after failed start")
	}
}

func TestAnswerOperations(t *testing.T) {
	f := newServiceFixture(t, newSessionScript())

	if err := f.svc.RecordAnswer("q1", "early"); !errors.Is(err, util.ErrNoActiveSession) {
		t.Fatalf("err = %v, want ErrNoActiveSession", err)
	}

	f.start(t)

	if err := f.svc.RecordAnswer("q1", "O(n log n) on average"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := f.svc.RecordAnswer("q9", "ghost"); !errors.Is(err, util.ErrUnknownQuestion) {
		t.Fatalf("err = %v, want ErrUnknownQuestion", err)
	}

	marked, err := f.svc.ToggleReview("q2")
	if err != nil || !marked {
		t.Fatalf("toggle = %v/%v", marked, err)
	}
	if err := f.svc.SetCurrentIndex(2); err != nil {
		t.Fatalf("set index: %v", err)
	}

	st, err := f.svc.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Answers["q1"] != "O(n log n) on average" {
		t.Fatalf("answer = %q", st.Answers["q1"])
	}
	if !st.ReviewFlags["q2"] {
		t.Fatal("review flag lost")
	}
	if st.CurrentIndex != 2 {
		t.Fatalf("current index = %d", st.CurrentIndex)
	}
	if st.AnsweredCount != 1 {
		t.Fatalf("answered = %d", st.AnsweredCount)
	}
}

func TestAttachFileRecordsMarker(t *testing.T) {
	f := newServiceFixture(t, newSessionScript())
	f.start(t)

	if _, err := f.svc.AttachFile(context.Background(), "q9", "sheet.xlsx", []byte("workbook")); !errors.Is(err, util.ErrUnknownQuestion) {
		t.Fatalf("err = %v, want ErrUnknownQuestion", err)
	}

	res, err := f.svc.AttachFile(context.Background(), "q3", "sheet.xlsx", []byte("workbook"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if res.Provider != util.ProviderPlatform {
		t.Fatalf("provider = %s", res.Provider)
	}

	st, _ := f.svc.State()
	if st.Answers["q3"] != "FILE:https://platform/files/worksheet.xlsx" {
		t.Fatalf("file marker = %q", st.Answers["q3"])
	}
}

func TestSignalFlagsAtServerLimit(t *testing.T) {
	f := newServiceFixture(t, newSessionScript())
	f.start(t)
	f.hubEvents()

	// 服务端下发的 2 次上限覆盖本地默认的 3 次
	v1, err := f.svc.Signal(model.Signal{Type: model.ViolationTabSwitch})
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if v1.Count != 1 || v1.Flagged {
		t.Fatalf("first verdict = %+v", v1)
	}

	v2, err := f.svc.Signal(model.Signal{Type: model.ViolationTabSwitch})
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if v2.Count != 2 || !v2.Flagged {
		t.Fatalf("second verdict = %+v", v2)
	}

	st, _ := f.svc.State()
	if st.Violations.Counts[model.ViolationTabSwitch] != 2 || !st.Violations.Flagged {
		t.Fatalf("state tally = %+v", st.Violations)
	}

	if n, _ := f.journal.CountByType("a-9", string(model.ViolationTabSwitch)); n != 2 {
		t.Fatalf("journal rows = %d", n)
	}

	sawViolation := false
	for _, typ := range f.hubEvents() {
		if typ == EventViolation {
			sawViolation = true
		}
	}
	if !sawViolation {
		t.Fatal("no violation event reached the shell hub")
	}
}

func TestRestoreRebuildsLocalState(t *testing.T) {
	script := newSessionScript()
	script.recovered = []examapi.AnswerPayload{{QuestionID: "q3", AnswerText: "from-platform"}}
	f := newServiceFixture(t, script)

	f.snapshots.Upsert(&model.SessionSnapshot{
		AttemptID:    "a-9",
		TestID:       "t-9",
		Answers:      `{"q1":"saved offline"}`,
		ReviewFlags:  `{"q2":true}`,
		CurrentIndex: 1,
		Flagged:      true,
		FlagReason:   "tab switch limit reached (2)",
		SavedAt:      time.Now(),
	})
	for i := 0; i < 2; i++ {
		f.journal.Append(&model.ViolationEvent{
			AttemptID:  "a-9",
			Type:       string(model.ViolationTabSwitch),
			Count:      i + 1,
			OccurredAt: time.Now(),
		})
	}

	st := f.start(t)

	if st.Answers["q1"] != "saved offline" {
		t.Fatalf("snapshot answer = %q", st.Answers["q1"])
	}
	if st.Answers["q3"] != "from-platform" {
		t.Fatalf("recovered answer = %q", st.Answers["q3"])
	}
	if !st.ReviewFlags["q2"] {
		t.Fatal("review flag lost across restart")
	}
	if st.CurrentIndex != 1 {
		t.Fatalf("current index = %d", st.CurrentIndex)
	}
	if st.Violations.Counts[model.ViolationTabSwitch] != 2 {
		t.Fatalf("restored tab switches = %d", st.Violations.Counts[model.ViolationTabSwitch])
	}
	if !st.Violations.Flagged {
		t.Fatal("sticky flag lost across restart")
	}
}

func TestSubmitLifecycle(t *testing.T) {
	f := newServiceFixture(t, newSessionScript())
	f.start(t)
	f.svc.RecordAnswer("q1", "alpha")

	if _, err := f.svc.Submit(); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := f.awaitSubmitResult(t)
	if res.Score != 18 || !res.Passed {
		t.Fatalf("result = %+v", res)
	}

	if err := f.svc.RecordAnswer("q1", "late edit"); !errors.Is(err, util.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}

	st, err := f.svc.Submit()
	if err != nil {
		t.Fatalf("repeat submit: %v", err)
	}
	if st != model.StateSucceeded {
		t.Fatalf("repeat submit state = %s", st)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.tokens.Token() != "" {
		if time.Now().After(deadline) {
			t.Fatal("platform token not cleared after terminal state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if f.script.calls("bulk") != 1 || f.script.calls("complete") != 1 {
		t.Fatalf("calls bulk=%d complete=%d", f.script.calls("bulk"), f.script.calls("complete"))
	}
}

func TestClockExpiryTriggersSubmission(t *testing.T) {
	script := newSessionScript()
	script.started.DurationMinutes = 1
	script.started.StartedAt = time.Now().Add(-time.Minute + 80*time.Millisecond)
	f := newServiceFixture(t, script)

	f.start(t)

	res := f.awaitSubmitResult(t)
	if res == nil || res.Score != 18 {
		t.Fatalf("result = %+v", res)
	}
	if f.script.calls("complete") < 1 {
		t.Fatal("expiry never reached the completion endpoint")
	}

	st, _ := f.svc.State()
	if !st.Expired {
		t.Fatal("state should report expiry")
	}
}

func TestExpiredRestoreAutoCompletes(t *testing.T) {
	script := newSessionScript()
	script.started.StartedAt = time.Now().Add(-2 * time.Hour)
	script.completeStatus = http.StatusConflict
	script.completeBody = `{"detail":"Test already completed"}`
	f := newServiceFixture(t, script)

	st := f.start(t)
	if !st.Expired {
		t.Fatal("session past deadline should report expired")
	}

	res := f.awaitSubmitResult(t)
	if res.Score != 18 {
		t.Fatalf("result = %+v", res)
	}
	if f.script.calls("autocomplete") != 1 {
		t.Fatalf("auto-complete calls = %d", f.script.calls("autocomplete"))
	}
	if f.script.calls("result") != 1 {
		t.Fatalf("result calls = %d", f.script.calls("result"))
	}
}

func TestHeartbeatCompletedFunnelsSubmission(t *testing.T) {
	script := newSessionScript()
	script.heartbeatBody = `{"attempt_status":"completed","remaining_seconds":0}`
	f := newServiceFixture(t, script)
	f.cfg.Session.HeartbeatInterval = 20 * time.Millisecond

	f.start(t)

	res := f.awaitSubmitResult(t)
	if res.Score != 18 {
		t.Fatalf("result = %+v", res)
	}
	if f.script.calls("complete") < 1 {
		t.Fatal("remote completion never funneled into the pipeline")
	}
}

func TestRetryFailedLifecycle(t *testing.T) {
	f := newServiceFixture(t, newSessionScript())

	if _, err := f.svc.RetryFailed(context.Background(), "missing"); !errors.Is(err, util.ErrAttemptNotFound) {
		t.Fatalf("err = %v, want ErrAttemptNotFound", err)
	}

	f.failures.Save(&model.FailedSubmission{
		AttemptID:      "a-7",
		TestID:         "t-7",
		Answers:        `{"q1":"alpha","q2":"FILE:spool/a-7/q2.xlsx"}`,
		Tally:          `{"counts":{"tab_switch":2},"flagged":true,"flagReason":"tab switch limit reached (2)"}`,
		CandidateEmail: "cand@example.com",
		LastError:      "all submission tiers exhausted",
		FailedAt:       time.Now(),
	})

	st, err := f.svc.RetryFailed(context.Background(), "a-7")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st != model.StateSucceeded {
		t.Fatalf("retry state = %s", st)
	}

	rec, err := f.failures.FindByAttemptID("a-7")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !rec.Retried {
		t.Fatal("record not marked retried")
	}

	if f.script.calls("bulk") != 1 || f.script.calls("complete") != 1 {
		t.Fatalf("calls bulk=%d complete=%d", f.script.calls("bulk"), f.script.calls("complete"))
	}
	if got := f.script.completeTabSwitches(); got != 2 {
		t.Fatalf("restored tab switches reported = %d", got)
	}

	if _, err := f.svc.RetryFailed(context.Background(), "a-7"); !errors.Is(err, util.ErrAlreadyRetried) {
		t.Fatalf("err = %v, want ErrAlreadyRetried", err)
	}
}

func TestRetryFailedRejectedWhileSessionActive(t *testing.T) {
	f := newServiceFixture(t, newSessionScript())
	f.start(t)

	f.failures.Save(&model.FailedSubmission{AttemptID: "a-7", TestID: "t-7", FailedAt: time.Now()})

	if _, err := f.svc.RetryFailed(context.Background(), "a-7"); !errors.Is(err, util.ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
}

func TestRetryFailedConcurrentDuplicateRejected(t *testing.T) {
	script := newSessionScript()
	script.completeGate = make(chan struct{})
	f := newServiceFixture(t, script)

	f.failures.Save(&model.FailedSubmission{
		AttemptID: "a-7",
		TestID:    "t-7",
		Answers:   `{"q1":"alpha"}`,
		FailedAt:  time.Now(),
	})

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.svc.RetryFailed(context.Background(), "a-7")
		firstDone <- err
	}()

	// 等第一条重试真正打到完成接口再发第二条
	deadline := time.Now().Add(2 * time.Second)
	for f.script.calls("complete") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first retry never reached the platform")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := f.svc.RetryFailed(context.Background(), "a-7"); !errors.Is(err, util.ErrSubmitInProgress) {
		t.Fatalf("err = %v, want ErrSubmitInProgress", err)
	}

	close(script.completeGate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first retry: %v", err)
	}
}
