package controller

import (
	"exam_proctor_agent/internal/service"
	"exam_proctor_agent/internal/util"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type HealthController struct {
	DB       *gorm.DB
	Sessions *service.SessionService
}

func NewHealthController(db *gorm.DB, sessions *service.SessionService) *HealthController {
	return &HealthController{DB: db, Sessions: sessions}
}

// @Summary 健康检查
// @Description 检查本地留存库与考试平台连通性
// @Tags 系统
// @Produce json
// @Success 200 {object} util.Response
// @Router /api/health [get]
func (c *HealthController) HealthCheck(ctx *gin.Context) {
	sqlDB, err := c.DB.DB()
	if err != nil {
		util.InternalServerError(ctx)
		return
	}

	if err := sqlDB.Ping(); err != nil {
		util.Error(ctx, http.StatusServiceUnavailable, "Local store unavailable")
		return
	}

	// 平台连通性跟着心跳走，没有会话时无从判断
	platform := "idle"
	if state, err := c.Sessions.State(); err == nil {
		if state.PlatformOnline {
			platform = "up"
		} else {
			platform = "down"
		}
	}

	util.Success(ctx, gin.H{
		"status": "ok",
		"components": gin.H{
			"store":    "up",
			"platform": platform,
		},
	})
}
