package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/controller"
	"exam_proctor_agent/internal/examapi"
	"exam_proctor_agent/internal/repository"
	"exam_proctor_agent/internal/service"
	"exam_proctor_agent/internal/util"
	"exam_proctor_agent/pkg/configwatcher"
	"exam_proctor_agent/pkg/database"
	"exam_proctor_agent/pkg/logger"
	"exam_proctor_agent/pkg/monitoring"
	"exam_proctor_agent/pkg/security"
	"exam_proctor_agent/pkg/tracing"

	"github.com/gin-gonic/gin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config *config.Config
	Router *gin.Engine
	DB     *gorm.DB

	services        *services
	tracerProvider  *sdktrace.TracerProvider
	cancelBase      context.CancelFunc
	configCallbacks []func(*config.Config)
}

type repositories struct {
	snapshots *repository.SnapshotRepository
	journal   *repository.ViolationEventRepository
	failures  *repository.FailedSubmissionRepository
}

type services struct {
	tokens  *service.TokenStore
	api     *examapi.Client
	hub     *service.SessionHub
	session *service.SessionService
}

type controllers struct {
	session *controller.SessionController
	failed  *controller.FailedSubmissionController
	health  *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		snapshots: repository.NewSnapshotRepository(db),
		journal:   repository.NewViolationEventRepository(db),
		failures:  repository.NewFailedSubmissionRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, baseCtx context.Context) *services {
	s := &services{}

	s.tokens = service.NewTokenStore()
	s.api = examapi.NewClient(cfg.Platform, s.tokens)
	s.hub = service.NewSessionHub()
	s.session = service.NewSessionService(baseCtx, cfg, s.api, s.tokens, s.hub,
		repos.snapshots, repos.journal, repos.failures)

	return s
}

func (a *App) initControllers(s *services, db *gorm.DB) *controllers {
	return &controllers{
		session: controller.NewSessionController(s.session),
		failed:  controller.NewFailedSubmissionController(s.session),
		health:  controller.NewHealthController(db, s.session),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests,
		time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// resetLocalState 按运维指令清掉上一场考试的本地留存
func resetLocalState(cfg *config.Config) {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		path := cfg.Database.Path + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Fatalf("Failed to reset local state %s: %v", path, err)
		}
	}
	logger.Log.Warn("local session state wiped on request", zap.String("path", cfg.Database.Path))
}

// issueShellToken 生成壳端访问令牌，写入令牌文件供壳进程读取
func (a *App) issueShellToken(cfg *config.Config) {
	token, err := util.GenerateAgentToken(cfg.JWT.Secret, cfg.JWT.ExpireTime)
	if err != nil {
		logger.Log.Fatal("Failed to issue shell token", zap.Error(err))
	}

	if cfg.Server.TokenFile != "" {
		dir := filepath.Dir(cfg.Server.TokenFile)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Log.Fatal("Failed to prepare token file directory", zap.Error(err))
		}
		if err := os.WriteFile(cfg.Server.TokenFile, []byte(token), 0o600); err != nil {
			logger.Log.Fatal("Failed to write token file", zap.Error(err))
		}
		logger.Log.Info("Shell token written", zap.String("path", cfg.Server.TokenFile))
	}

	if cfg.PrintToken {
		fmt.Println(token)
	}
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)

	logger.Log.Info("Logger initialized successfully")

	if cfg.ResetState {
		resetLocalState(cfg)
	}

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize local store", zap.Error(err))
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	app := &App{
		Config:     cfg,
		DB:         db,
		cancelBase: cancel,
	}

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, baseCtx)
	app.services = services
	controllers := app.initControllers(services, db)

	// 监控初始化
	monitoring.Init()

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("proctor-agent", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracerProvider = tp
	}

	app.registerRoutes(router, controllers, cfg)

	go services.hub.Run(baseCtx)

	app.issueShellToken(cfg)

	// 配置热更新只影响后续会话，回调须在监听启动前注册完
	app.RegisterConfigCallback(services.session.ApplyConfig)
	go configwatcher.WatchConfig(baseCtx, filepath.Join("configs", "config.yaml"), func(newCfg *config.Config) {
		for _, cb := range app.configCallbacks {
			cb(newCfg)
		}
	})

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    a.Config.Server.Host + ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		log.Printf("Agent listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down agent...")

	// 先停会话循环与事件枢纽，周期任务不再跑在半关闭的进程里
	a.cancelBase()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Agent forced to shutdown:", err)
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}

	log.Println("Agent exiting")
}
