package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chatmeter/internal/database"
	"chatmeter/internal/model"

	"github.com/google/uuid"
)

type RequestLogRepositoryInterface interface {
	Create(entry *model.RequestLog) error
	List(params ListParams) ([]model.RequestLog, int64, error)
	UsageSummary(from, to *time.Time) ([]model.UsageSummary, error)
}

var _ RequestLogRepositoryInterface = (*RequestLogRepository)(nil)

type RequestLogRepository struct{}

func NewRequestLogRepository() *RequestLogRepository {
	return &RequestLogRepository{}
}

// ListParams 查询参数
type ListParams struct {
	CustomerID string
	Status     string
	From       *time.Time
	To         *time.Time
	Page       int
	PageSize   int
}

func (r *RequestLogRepository) Create(entry *model.RequestLog) error {
	db := database.GetDB()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO request_logs (id, customer_id, model, status, status_code, latency_ms, output_units, usage_event_id, error_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CustomerID, entry.Model, entry.Status, entry.StatusCode,
		entry.LatencyMs, entry.OutputUnits, entry.UsageEventID, entry.ErrorType,
		entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// List 查询请求日志列表
func (r *RequestLogRepository) List(params ListParams) ([]model.RequestLog, int64, error) {
	db := database.GetDB()

	conditions := []string{"1=1"}
	args := []interface{}{}

	if params.CustomerID != "" {
		conditions = append(conditions, "customer_id = ?")
		args = append(args, params.CustomerID)
	}
	if params.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, params.Status)
	}
	if params.From != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, params.From.UTC().Format(time.RFC3339))
	}
	if params.To != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, params.To.UTC().Format(time.RFC3339))
	}

	whereClause := strings.Join(conditions, " AND ")

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM request_logs WHERE %s", whereClause)
	if err := db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 20
	}
	if params.PageSize > 100 {
		params.PageSize = 100
	}
	offset := (params.Page - 1) * params.PageSize

	query := fmt.Sprintf(`
		SELECT id, customer_id, model, status, status_code, latency_ms, output_units, usage_event_id, error_type, created_at
		FROM request_logs
		WHERE %s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	args = append(args, params.PageSize, offset)
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []model.RequestLog
	for rows.Next() {
		var entry model.RequestLog
		var createdAt sql.NullTime
		if err := rows.Scan(&entry.ID, &entry.CustomerID, &entry.Model, &entry.Status, &entry.StatusCode,
			&entry.LatencyMs, &entry.OutputUnits, &entry.UsageEventID, &entry.ErrorType, &createdAt); err != nil {
			return nil, 0, err
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}
		logs = append(logs, entry)
	}
	return logs, total, rows.Err()
}

// UsageSummary 按客户聚合统计
func (r *RequestLogRepository) UsageSummary(from, to *time.Time) ([]model.UsageSummary, error) {
	db := database.GetDB()

	conditions := []string{"1=1"}
	args := []interface{}{}
	if from != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, from.UTC().Format(time.RFC3339))
	}
	if to != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, to.UTC().Format(time.RFC3339))
	}

	query := fmt.Sprintf(`
		SELECT customer_id,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(output_units), 0)
		FROM request_logs
		WHERE %s
		GROUP BY customer_id
		ORDER BY SUM(output_units) DESC
	`, strings.Join(conditions, " AND "))

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []model.UsageSummary
	for rows.Next() {
		var s model.UsageSummary
		if err := rows.Scan(&s.CustomerID, &s.RequestCount, &s.RejectedCount, &s.TotalUnits); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
