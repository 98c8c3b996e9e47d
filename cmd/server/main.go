package main

import (
	"os"

	"chatmeter/internal/config"
	"chatmeter/internal/database"
	"chatmeter/internal/ledger"
	"chatmeter/internal/llm"
	"chatmeter/internal/metering"
	"chatmeter/internal/router"
	"chatmeter/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()

	gin.SetMode(gin.ReleaseMode)

	cfg := config.Load()

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if cfg.PolarAccessToken == "" {
		log.Warn("POLAR_ACCESS_TOKEN 未设置，账本请求将全部失败（fail-closed 拒绝所有补全）")
	}
	if cfg.UsageMeterID == "" {
		log.Warn("POLAR_USAGE_METER_ID 未设置，余额查询将不按计量器过滤")
	}

	// 用量日志仅用于运维观察，初始化失败降级为不落盘
	journalEnabled := true
	if err := database.Init(cfg.JournalDBPath); err != nil {
		log.Warnf("用量日志数据库初始化失败，降级为不落盘: %v", err)
		journalEnabled = false
	} else {
		defer database.Close()
	}
	logSvc := service.NewRequestLogService(journalEnabled)

	ldg := ledger.NewClient(cfg.PolarAccessToken, cfg.PolarServerEnv, cfg.PolarBaseURL)
	backend := llm.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, nil)
	meter := metering.New(backend, ldg, cfg.MeterEventName)

	r := router.Setup(ldg, meter, logSvc)

	port := cfg.ServerPort
	if envPort := os.Getenv("PORT"); envPort != "" {
		port = envPort
	}

	log.Infof("服务器启动在 http://0.0.0.0:%s (账本环境: %s, 模型: %s)", port, cfg.PolarServerEnv, cfg.OpenAIModel)
	if err := r.Run("0.0.0.0:" + port); err != nil {
		log.Fatalf("服务器启动失败: %v", err)
	}
}
