package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/examapi"
	"exam_proctor_agent/internal/util"
	"exam_proctor_agent/pkg/logger"
)

// UploadProvider 答案文件的一条上传通道
type UploadProvider interface {
	Name() string
	Upload(ctx context.Context, attemptID, questionID, filename string, data []byte) (string, error)
}

// PlatformUploadProvider 直传考试平台
type PlatformUploadProvider struct {
	API *examapi.Client
}

func (p *PlatformUploadProvider) Name() string { return util.ProviderPlatform }

func (p *PlatformUploadProvider) Upload(ctx context.Context, attemptID, questionID, filename string, data []byte) (string, error) {
	return p.API.UploadAnswerFile(ctx, attemptID, questionID, filename, bytes.NewReader(data))
}

// MinioUploadProvider 写入对象桶，供配发了桶凭证的考场部署使用
type MinioUploadProvider struct {
	Config *config.StorageConfig
	Client *minio.Client
}

func NewMinioUploadProvider(cfg *config.StorageConfig) (*MinioUploadProvider, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessID, cfg.MinioSecret, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinioUploadProvider{Config: cfg, Client: client}, nil
}

func (p *MinioUploadProvider) Name() string { return util.ProviderMinio }

func (p *MinioUploadProvider) Upload(ctx context.Context, attemptID, questionID, filename string, data []byte) (string, error) {
	object := fmt.Sprintf("answers/%s/%s_%s", attemptID, questionID, filename)
	_, err := p.Client.PutObject(ctx, p.Config.MinioBucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: util.MimeOctetStream,
	})
	if err != nil {
		return "", err
	}
	return "/" + p.Config.MinioBucket + "/" + object, nil
}

// SpoolUploadProvider 本地留底，除磁盘故障外总能成功
type SpoolUploadProvider struct {
	Root string
}

func (p *SpoolUploadProvider) Name() string { return util.ProviderSpool }

func (p *SpoolUploadProvider) Upload(ctx context.Context, attemptID, questionID, filename string, data []byte) (string, error) {
	dir := filepath.Join(p.Root, attemptID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
	}
	dst := filepath.Join(dir, questionID+"_"+filename)
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return "", err
	}
	return dst, nil
}

// UploadResult 一次文件答案入库的结果
type UploadResult struct {
	FileRef   string `json:"fileRef"`
	Provider  string `json:"provider"`
	SpoolPath string `json:"spoolPath"`
	Pending   bool   `json:"pending"`
}

// PendingUpload 远端链全败、等提交阶段重传的条目
type PendingUpload struct {
	QuestionID string
	Filename   string
	SpoolPath  string
}

// UploadService 按配置顺序尝试远端通道，本地留底无条件先行
type UploadService struct {
	remotes []UploadProvider
	spool   *SpoolUploadProvider

	mu      sync.Mutex
	pending map[string]PendingUpload
}

func NewUploadService(cfg *config.StorageConfig, api *examapi.Client) *UploadService {
	var remotes []UploadProvider
	for _, name := range cfg.Providers {
		switch name {
		case util.ProviderPlatform:
			remotes = append(remotes, &PlatformUploadProvider{API: api})
		case util.ProviderMinio:
			if cfg.MinioEndpoint == "" {
				continue
			}
			p, err := NewMinioUploadProvider(cfg)
			if err != nil {
				logger.Log.Warn("minio upload provider unavailable", zap.Error(err))
				continue
			}
			remotes = append(remotes, p)
		}
	}

	return &UploadService{
		remotes: remotes,
		spool:   &SpoolUploadProvider{Root: cfg.SpoolPath},
		pending: make(map[string]PendingUpload),
	}
}

// Store 校验后先落盘再走远端链，远端全败时进入待重传队列
func (s *UploadService) Store(ctx context.Context, attemptID, questionID, filename string, data []byte) (*UploadResult, error) {
	if err := util.ValidateAnswerFileExt(filename); err != nil {
		return nil, err
	}
	if len(data) > util.MaxAnswerFileSize {
		return nil, util.ErrFileTooLarge
	}
	if _, err := util.ValidateMimeType(bytes.NewReader(data), util.AllowedAnswerMimeTypes); err != nil {
		return nil, err
	}

	spoolPath, err := s.spool.Upload(ctx, attemptID, questionID, filename, data)
	if err != nil {
		return nil, fmt.Errorf("spool answer file: %w", err)
	}

	for _, p := range s.remotes {
		ref, err := p.Upload(ctx, attemptID, questionID, filename, data)
		if err != nil {
			logger.Log.Warn("answer file upload failed",
				zap.String("provider", p.Name()),
				zap.String("question", questionID),
				zap.Error(err))
			continue
		}
		s.clearPending(questionID)
		return &UploadResult{FileRef: ref, Provider: p.Name(), SpoolPath: spoolPath}, nil
	}

	s.mu.Lock()
	s.pending[questionID] = PendingUpload{QuestionID: questionID, Filename: filename, SpoolPath: spoolPath}
	s.mu.Unlock()

	logger.Log.Warn("answer file kept in spool only",
		zap.String("question", questionID), zap.String("path", spoolPath))
	return &UploadResult{FileRef: spoolPath, Provider: util.ProviderSpool, SpoolPath: spoolPath, Pending: true}, nil
}

// Pending 返回待重传条目快照，按题号排序
func (s *UploadService) Pending() []PendingUpload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingUpload, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

func (s *UploadService) clearPending(questionID string) {
	s.mu.Lock()
	delete(s.pending, questionID)
	s.mu.Unlock()
}

// RetryPending 重读留底文件再走远端链。
// 返回成功条目的题号到新引用映射，以及仍然失败的条目。
func (s *UploadService) RetryPending(ctx context.Context, attemptID string) (map[string]string, []PendingUpload) {
	resolved := make(map[string]string)
	var remaining []PendingUpload

	for _, item := range s.Pending() {
		data, err := os.ReadFile(item.SpoolPath)
		if err != nil {
			logger.Log.Error("spooled answer file unreadable",
				zap.String("path", item.SpoolPath), zap.Error(err))
			remaining = append(remaining, item)
			continue
		}

		var done bool
		for _, p := range s.remotes {
			ref, err := p.Upload(ctx, attemptID, item.QuestionID, item.Filename, data)
			if err != nil {
				logger.Log.Warn("pending upload retry failed",
					zap.String("provider", p.Name()),
					zap.String("question", item.QuestionID),
					zap.Error(err))
				continue
			}
			resolved[item.QuestionID] = ref
			s.clearPending(item.QuestionID)
			done = true
			break
		}
		if !done {
			remaining = append(remaining, item)
		}
	}
	return resolved, remaining
}

// AttemptSpoolDir 该场次留底文件所在目录
func (s *UploadService) AttemptSpoolDir(attemptID string) string {
	return filepath.Join(s.spool.Root, attemptID)
}
