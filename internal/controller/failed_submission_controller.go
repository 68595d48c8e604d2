package controller

import (
	"exam_proctor_agent/internal/service"
	"exam_proctor_agent/internal/util"

	"github.com/gin-gonic/gin"
)

// FailedSubmissionController 持久失败记录的查询与重试入口，供监考员使用
type FailedSubmissionController struct {
	Sessions *service.SessionService
}

func NewFailedSubmissionController(sessions *service.SessionService) *FailedSubmissionController {
	return &FailedSubmissionController{Sessions: sessions}
}

// List godoc
// @Summary 列出尚未重试成功的持久失败提交
// @Tags 失败留档
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response{data=[]model.FailedSubmission}
// @Router /api/failed-submissions [get]
func (c *FailedSubmissionController) List(ctx *gin.Context) {
	records, err := c.Sessions.ListFailed()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"records": records})
}

// Retry godoc
// @Summary 重试一条持久失败的提交
// @Description 从落库答案重建提交流水线并阻塞到终态，成功后记录置为已重试
// @Tags 失败留档
// @Produce json
// @Security BearerAuth
// @Param attemptId path string true "答卷 ID"
// @Success 200 {object} util.Response
// @Failure 404 {object} util.Response "记录不存在"
// @Failure 409 {object} util.Response "已重试成功或有会话进行中"
// @Router /api/failed-submissions/{attemptId}/retry [post]
func (c *FailedSubmissionController) Retry(ctx *gin.Context) {
	attemptID := ctx.Param("attemptId")

	state, err := c.Sessions.RetryFailed(ctx.Request.Context(), attemptID)
	if err != nil {
		respondSessionError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"attemptId": attemptID, "submitState": state})
}
