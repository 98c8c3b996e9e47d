package service

import (
	"time"

	"chatmeter/internal/model"
	"chatmeter/internal/repository"

	log "github.com/sirupsen/logrus"
)

// RequestLogService 本地用量日志
// 日志只服务运维观察，落盘失败绝不影响请求链路
type RequestLogService struct {
	repo    repository.RequestLogRepositoryInterface
	enabled bool
}

func NewRequestLogService(enabled bool) *RequestLogService {
	return &RequestLogService{
		repo:    repository.NewRequestLogRepository(),
		enabled: enabled,
	}
}

func NewRequestLogServiceWithRepo(repo repository.RequestLogRepositoryInterface) *RequestLogService {
	return &RequestLogService{repo: repo, enabled: true}
}

// Record 异步落盘一条请求日志
func (s *RequestLogService) Record(entry model.RequestLog) {
	if !s.enabled {
		return
	}
	go func() {
		if err := s.repo.Create(&entry); err != nil {
			log.Warnf("request log: write failed: %v", err)
		}
	}()
}

// List 查询请求日志
func (s *RequestLogService) List(params repository.ListParams) ([]model.RequestLog, int64, error) {
	if !s.enabled {
		return nil, 0, nil
	}
	return s.repo.List(params)
}

// UsageSummary 按客户聚合
func (s *RequestLogService) UsageSummary(from, to *time.Time) ([]model.UsageSummary, error) {
	if !s.enabled {
		return nil, nil
	}
	return s.repo.UsageSummary(from, to)
}
