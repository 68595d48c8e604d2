package middleware

import (
	"strings"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/util"
	"exam_proctor_agent/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthMiddleware 校验壳端持有的本地访问令牌。令牌在代理启动时生成并写入
// 令牌文件，由壳进程读取，不经过任何远端服务。
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}

		// websocket 升级请求带不了自定义头，允许 query 传递
		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			util.Unauthorized(c)
			c.Abort()
			return
		}

		claims, err := util.ParseAgentToken(tokenString, cfg.JWT.Secret)
		if err != nil {
			logger.Log.Warn("shell token rejected", zap.Error(err))
			util.Unauthorized(c)
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}
