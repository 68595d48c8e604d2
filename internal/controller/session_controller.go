package controller

import (
	"errors"
	"io"
	"net/http"
	"time"

	"exam_proctor_agent/internal/model"
	"exam_proctor_agent/internal/service"
	"exam_proctor_agent/internal/util"

	"github.com/gin-gonic/gin"
)

// SessionController 处理考试壳的会话控制请求
type SessionController struct {
	Sessions *service.SessionService
}

func NewSessionController(sessions *service.SessionService) *SessionController {
	return &SessionController{Sessions: sessions}
}

// respondSessionError 把会话层错误翻译成 HTTP 状态
func respondSessionError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, util.ErrNoActiveSession),
		errors.Is(err, util.ErrAttemptNotFound),
		errors.Is(err, util.ErrNoResultYet):
		util.Error(ctx, http.StatusNotFound, err.Error())
	case errors.Is(err, util.ErrSessionActive),
		errors.Is(err, util.ErrSessionClosed),
		errors.Is(err, util.ErrSubmitInProgress),
		errors.Is(err, util.ErrNoDecisionPending),
		errors.Is(err, util.ErrAlreadyRetried):
		util.Conflict(ctx, err.Error())
	case errors.Is(err, util.ErrUnknownQuestion),
		errors.Is(err, util.ErrUnknownSignal),
		errors.Is(err, util.ErrInvalidFileType),
		errors.Is(err, util.ErrFileTooLarge):
		util.BadRequest(ctx, err.Error())
	default:
		util.LogInternalError(ctx, err)
	}
}

// StartSessionRequest 建立会话请求
// swagger:model StartSessionRequest
type StartSessionRequest struct {
	TestID         string `json:"testId" binding:"required"`
	PlatformToken  string `json:"platformToken" binding:"required"`
	CandidateEmail string `json:"candidateEmail"`
}

// Start godoc
// @Summary 建立考试会话
// @Description 用候选人的平台令牌向考试平台开卷，失败时尝试续接已开始的会话
// @Tags 会话
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body StartSessionRequest true "开卷请求"
// @Success 200 {object} util.Response{data=service.SessionState}
// @Failure 400 {object} util.Response "请求参数错误"
// @Failure 409 {object} util.Response "已有进行中的会话"
// @Failure 502 {object} util.Response "考试平台不可达"
// @Router /api/session/start [post]
func (c *SessionController) Start(ctx *gin.Context) {
	var req StartSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	state, err := c.Sessions.Start(ctx.Request.Context(), req.TestID, req.PlatformToken, req.CandidateEmail)
	if err != nil {
		if errors.Is(err, util.ErrSessionActive) {
			util.Conflict(ctx, err.Error())
			return
		}
		util.Error(ctx, http.StatusBadGateway, err.Error())
		return
	}

	util.Success(ctx, state)
}

// State godoc
// @Summary 查询会话全景
// @Description 壳端重连后凭此恢复界面状态
// @Tags 会话
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response{data=service.SessionState}
// @Failure 404 {object} util.Response "没有进行中的会话"
// @Router /api/session [get]
func (c *SessionController) State(ctx *gin.Context) {
	state, err := c.Sessions.State()
	if err != nil {
		respondSessionError(ctx, err)
		return
	}
	util.Success(ctx, state)
}

// RecordAnswerRequest 记录作答请求
// swagger:model RecordAnswerRequest
type RecordAnswerRequest struct {
	QuestionID string `json:"questionId" binding:"required"`
	Text       string `json:"text"`
}

// RecordAnswer godoc
// @Summary 记录一题作答
// @Description 写入本地答案副本，周期循环负责落盘与推送
// @Tags 作答
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body RecordAnswerRequest true "作答内容"
// @Success 200 {object} util.Response
// @Failure 400 {object} util.Response "题目不属于本次会话"
// @Failure 409 {object} util.Response "会话已收卷"
// @Router /api/session/answer [post]
func (c *SessionController) RecordAnswer(ctx *gin.Context) {
	var req RecordAnswerRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	if err := c.Sessions.RecordAnswer(req.QuestionID, req.Text); err != nil {
		respondSessionError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"questionId": req.QuestionID})
}

// ToggleReviewRequest 稍后检查标记请求
// swagger:model ToggleReviewRequest
type ToggleReviewRequest struct {
	QuestionID string `json:"questionId" binding:"required"`
}

// ToggleReview godoc
// @Summary 切换稍后检查标记
// @Tags 作答
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ToggleReviewRequest true "题目"
// @Success 200 {object} util.Response
// @Router /api/session/review [post]
func (c *SessionController) ToggleReview(ctx *gin.Context) {
	var req ToggleReviewRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	marked, err := c.Sessions.ToggleReview(req.QuestionID)
	if err != nil {
		respondSessionError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"questionId": req.QuestionID, "marked": marked})
}

// SetPositionRequest 当前题号请求
// swagger:model SetPositionRequest
type SetPositionRequest struct {
	Index int `json:"index" binding:"min=0"`
}

// SetPosition godoc
// @Summary 记录当前所在题号
// @Tags 作答
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SetPositionRequest true "题号下标"
// @Success 200 {object} util.Response
// @Router /api/session/position [post]
func (c *SessionController) SetPosition(ctx *gin.Context) {
	var req SetPositionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	if err := c.Sessions.SetCurrentIndex(req.Index); err != nil {
		respondSessionError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"index": req.Index})
}

// SignalRequest 完整性信号请求
// swagger:model SignalRequest
type SignalRequest struct {
	Type       string    `json:"type" binding:"required"`
	OccurredAt time.Time `json:"occurredAt"`
	Detail     string    `json:"detail"`
}

// Signal godoc
// @Summary 上报一条完整性信号
// @Description 返回处置结论：最新计数、是否判红、壳端是否静默拦截
// @Tags 监考
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SignalRequest true "信号"
// @Success 200 {object} util.Response{data=model.Verdict}
// @Failure 400 {object} util.Response "未知信号类别"
// @Router /api/session/signal [post]
func (c *SessionController) Signal(ctx *gin.Context) {
	var req SignalRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	verdict, err := c.Sessions.Signal(model.Signal{
		Type:       model.ViolationType(req.Type),
		OccurredAt: req.OccurredAt,
		Detail:     req.Detail,
	})
	if err != nil {
		respondSessionError(ctx, err)
		return
	}
	util.Success(ctx, verdict)
}

// AttachFile godoc
// @Summary 上传文件型答案
// @Description 先写本机留底再尽力上传，全部远端失败时答案仍以留底路径记录
// @Tags 作答
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param questionId formData string true "题目 ID"
// @Param file formData file true "答案文件"
// @Success 200 {object} util.Response{data=service.UploadResult}
// @Failure 400 {object} util.Response "文件类型或大小不合规"
// @Router /api/session/file [post]
func (c *SessionController) AttachFile(ctx *gin.Context) {
	questionID := ctx.PostForm("questionId")
	if questionID == "" {
		util.BadRequest(ctx, "questionId is required")
		return
	}

	header, err := ctx.FormFile("file")
	if err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	file, err := header.Open()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, util.MaxAnswerFileSize+1))
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}

	result, err := c.Sessions.AttachFile(ctx.Request.Context(), questionID, header.Filename, data)
	if err != nil {
		respondSessionError(ctx, err)
		return
	}
	util.Success(ctx, result)
}

// Submit godoc
// @Summary 触发提交流水线
// @Description 幂等：已在提交中或已收卷时返回当前档位
// @Tags 提交
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Failure 404 {object} util.Response "没有进行中的会话"
// @Router /api/session/submit [post]
func (c *SessionController) Submit(ctx *gin.Context) {
	state, err := c.Sessions.Submit()
	if err != nil {
		respondSessionError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"submitState": state})
}

// FileDecisionRequest 文件上传失败后的壳端决策
// swagger:model FileDecisionRequest
type FileDecisionRequest struct {
	Accept bool `json:"accept"`
}

// ResolveFileDecision godoc
// @Summary 回应文件上传失败决策点
// @Description accept 为 true 表示丢弃未上传文件继续提交，false 表示放弃本次提交
// @Tags 提交
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body FileDecisionRequest true "决策"
// @Success 200 {object} util.Response
// @Failure 409 {object} util.Response "当前没有待决策的提交"
// @Router /api/session/decision [post]
func (c *SessionController) ResolveFileDecision(ctx *gin.Context) {
	var req FileDecisionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	if err := c.Sessions.ResolveFileDecision(req.Accept); err != nil {
		respondSessionError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"accept": req.Accept})
}

// Result godoc
// @Summary 查询判分结果
// @Tags 提交
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response{data=model.TestResult}
// @Failure 404 {object} util.Response "结果尚未生成"
// @Router /api/session/result [get]
func (c *SessionController) Result(ctx *gin.Context) {
	result, err := c.Sessions.Result()
	if err != nil {
		respondSessionError(ctx, err)
		return
	}
	util.Success(ctx, result)
}
