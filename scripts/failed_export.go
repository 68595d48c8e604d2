// 离线导出持久失败的提交记录
//
// 代理运行期间可通过 /api/failed-submissions 接口重试。本脚本用于
// 考后回收机器、代理已经停止的场景：直接读本地库，把失败提交连同
// 违规计数导出为 JSON，交由监考员人工上报平台。
//
// 用法: go run scripts/failed_export.go

package main

import (
	"encoding/json"
	"fmt"
	"log"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/repository"
	"exam_proctor_agent/pkg/database"
	"exam_proctor_agent/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig("configs")
	if err != nil {
		log.Fatalf("无法读取配置文件: %v", err)
	}

	logger.InitLogger(cfg)

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		log.Fatalf("本地库打开失败: %v", err)
	}

	failures := repository.NewFailedSubmissionRepository(db)
	records, err := failures.ListPending()
	if err != nil {
		log.Fatalf("读取失败提交记录出错: %v", err)
	}

	if len(records) == 0 {
		log.Println("没有待处理的失败提交")
		return
	}

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		log.Fatalf("序列化导出内容失败: %v", err)
	}
	fmt.Println(string(out))
	log.Printf("共导出 %d 条失败提交，答卷留底文件在 %s 下按场次分目录存放", len(records), cfg.Storage.SpoolPath)
}
