package examapi

import (
	"bytes"
	"context"
	"encoding/json"
	"exam_proctor_agent/internal/config"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
)

// TokenProvider 提供候选人的平台凭证，由会话服务在 start 时注入
type TokenProvider interface {
	Token() string
	IdentityHint() string
}

// Client 考试平台 API 客户端
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
}

func NewClient(cfg config.PlatformConfig, tokens TokenProvider) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		tokens:  tokens,
	}
}

type autoSaveRequest struct {
	AttemptID string `json:"attempt_id"`
	AnswerPayload
}

// StartTest 开始或恢复一次作答，服务端对进行中的 attempt 幂等返回
func (c *Client) StartTest(ctx context.Context, testID string) (*TestSessionResponse, error) {
	var out TestSessionResponse
	path := fmt.Sprintf("/api/tests/%s/start", url.PathEscape(testID))
	if err := c.doJSON(ctx, "start_test", http.MethodPost, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession 查询进行中的会话
func (c *Client) GetSession(ctx context.Context, testID string) (*TestSessionResponse, error) {
	var out TestSessionResponse
	path := fmt.Sprintf("/api/tests/%s/session", url.PathEscape(testID))
	if err := c.doJSON(ctx, "get_session", http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Heartbeat(ctx context.Context, attemptID string) (*HeartbeatResponse, error) {
	var out HeartbeatResponse
	path := fmt.Sprintf("/api/tests/heartbeat/%s", url.PathEscape(attemptID))
	if err := c.doJSON(ctx, "heartbeat", http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveAnswer 单题静默保存，调用方自行决定是否忽略失败
func (c *Client) SaveAnswer(ctx context.Context, attemptID string, answer AnswerPayload) error {
	body := autoSaveRequest{AttemptID: attemptID, AnswerPayload: answer}
	return c.doJSON(ctx, "save_answer", http.MethodPost, "/api/tests/auto-save-answer", body, nil, true)
}

func (c *Client) BulkSaveAnswers(ctx context.Context, attemptID string, answers []AnswerPayload) (int, error) {
	body := bulkSaveRequest{AttemptID: attemptID, Answers: answers}
	var out bulkSaveResponse
	if err := c.doJSON(ctx, "bulk_save_answers", http.MethodPost, "/api/tests/bulk-save-answers", body, &out, true); err != nil {
		return 0, err
	}
	return out.SavedCount, nil
}

// UploadAnswerFile 上传答题文件，返回平台侧文件引用
func (c *Client) UploadAnswerFile(ctx context.Context, attemptID, questionID, filename string, file io.Reader) (string, error) {
	const op = "upload_answer_file"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", &APIError{Kind: KindUnrecoverable, Op: op, Message: err.Error(), cause: err}
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", &APIError{Kind: KindUnrecoverable, Op: op, Message: err.Error(), cause: err}
	}
	w.WriteField("attempt_id", attemptID)
	w.WriteField("question_id", questionID)
	if err := w.Close(); err != nil {
		return "", &APIError{Kind: KindUnrecoverable, Op: op, Message: err.Error(), cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tests/upload-answer-file", &buf)
	if err != nil {
		return "", &APIError{Kind: KindUnrecoverable, Op: op, Message: err.Error(), cause: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyTransport(op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(op, resp.StatusCode, string(raw))
	}

	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &APIError{Kind: KindUnrecoverable, StatusCode: resp.StatusCode, Op: op, Message: "decode response: " + err.Error(), cause: err}
	}
	return out.FileURL, nil
}

// Complete 正常完成，服务端幂等：已完成的 attempt 直接返回缓存结果
func (c *Client) Complete(ctx context.Context, attemptID string, tabSwitches int) (*TestResultResponse, error) {
	body := completeRequest{AttemptID: attemptID, TabSwitches: tabSwitches}
	var out TestResultResponse
	path := fmt.Sprintf("/api/tests/complete/%s", url.PathEscape(attemptID))
	if err := c.doJSON(ctx, "complete", http.MethodPost, path, body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// EmergencySubmit 应急提交通道，附带全部答案
func (c *Client) EmergencySubmit(ctx context.Context, attemptID string, answers []AnswerPayload) (*TestResultResponse, error) {
	body := emergencyRequest{AttemptID: attemptID, Answers: answers}
	var out TestResultResponse
	if err := c.doJSON(ctx, "emergency_submit", http.MethodPost, "/api/tests/emergency-submit", body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// EmergencySubmitNoAuth 凭证失效后的无鉴权提交，email 仅作身份提示
func (c *Client) EmergencySubmitNoAuth(ctx context.Context, attemptID, email string, answers []AnswerPayload) (*TestResultResponse, error) {
	body := emergencyRequest{AttemptID: attemptID, Answers: answers}
	var out TestResultResponse
	path := "/api/tests/emergency-submit-no-auth?email=" + url.QueryEscape(email)
	if err := c.doJSON(ctx, "emergency_submit_no_auth", http.MethodPost, path, body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RecoverAnswers(ctx context.Context, attemptID string) ([]AnswerPayload, error) {
	var out recoverResponse
	path := fmt.Sprintf("/api/tests/recover-answers/%s", url.PathEscape(attemptID))
	if err := c.doJSON(ctx, "recover_answers", http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Answers, nil
}

// ReportViolation 违规上报，失败由调用方静默处理
func (c *Client) ReportViolation(ctx context.Context, attemptID, violationType string) (*FlagViolationResponse, error) {
	body := flagViolationRequest{AttemptID: attemptID}
	var out FlagViolationResponse
	path := "/api/tests/flag-violation?violation_type=" + url.QueryEscape(violationType)
	if err := c.doJSON(ctx, "flag_violation", http.MethodPost, path, body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// AutoCompleteExpired 触发服务端过期清算（含宽限期判定）
func (c *Client) AutoCompleteExpired(ctx context.Context) (int, error) {
	var out autoCompleteResponse
	if err := c.doJSON(ctx, "auto_complete_expired", http.MethodPost, "/api/tests/auto-complete-expired", nil, &out, true); err != nil {
		return 0, err
	}
	return out.CompletedCount, nil
}

func (c *Client) Result(ctx context.Context, attemptID string) (*TestResultResponse, error) {
	var out TestResultResponse
	path := fmt.Sprintf("/api/tests/result/%s", url.PathEscape(attemptID))
	if err := c.doJSON(ctx, "result", http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.tokens == nil {
		return
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, body interface{}, out interface{}, withAuth bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindUnrecoverable, Op: op, Message: err.Error(), cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &APIError{Kind: KindUnrecoverable, Op: op, Message: err.Error(), cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withAuth {
		c.setAuth(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(op, resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &APIError{Kind: KindUnrecoverable, StatusCode: resp.StatusCode, Op: op, Message: "decode response: " + err.Error(), cause: err}
		}
	}
	return nil
}
