// @title 考试监考代理 API
// @version 1.0
// @description 考点机上的本地监考代理，为考试壳应用提供会话控制、作答暂存与监考事件通道。

// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package main

import (
	"flag"
	"log"

	"exam_proctor_agent/internal/app"
	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/pkg/logger"
)

func main() {
	// 命令行参数
	resetState := flag.Bool("reset-state", false, "启动前清空本地会话留存（上一场考试的快照与失败留档）")
	printToken := flag.Bool("print-token", false, "启动时向标准输出打印壳端访问令牌")
	flag.Parse()

	cfg, err := config.LoadConfig("configs")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg.ResetState = *resetState
	cfg.PrintToken = *printToken

	application := app.NewApp(cfg)
	defer logger.Log.Sync()

	application.Run()
}
