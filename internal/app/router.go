package app

import (
	"exam_proctor_agent/docs"
	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/middleware"
	"exam_proctor_agent/internal/service"
	"exam_proctor_agent/pkg/monitoring"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	// 健康检查不设防，供看门狗脚本探活
	router.GET("/api/health", c.health.HealthCheck)

	// 其余接口全部要求壳端令牌
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg))
	{
		session := authGroup.Group("/session")
		{
			session.POST("/start", c.session.Start)
			session.GET("", c.session.State)
			session.POST("/answer", c.session.RecordAnswer)
			session.POST("/review", c.session.ToggleReview)
			session.POST("/position", c.session.SetPosition)
			session.POST("/signal", c.session.Signal)
			session.POST("/file", c.session.AttachFile)
			session.POST("/submit", c.session.Submit)
			session.POST("/decision", c.session.ResolveFileDecision)
			session.GET("/result", c.session.Result)

			// 事件通道：时钟、违规、连通性、提交档位都从这里推给壳
			session.GET("/ws", func(ctx *gin.Context) {
				service.ServeWs(a.services.hub, ctx.Writer, ctx.Request)
			})
		}

		failed := authGroup.Group("/failed-submissions")
		{
			failed.GET("", c.failed.List)
			failed.POST("/:attemptId/retry", c.failed.Retry)
		}
	}
}
