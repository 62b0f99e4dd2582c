package task

// TaskStats 聚合了证明任务状态的统计信息，供 /api/v1/jobs/stats 与健康检查使用。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
	// Queued 为队列中尚未被消费的任务数，队列不支持统计时为空。
	Queued *int64 `json:"queued,omitempty"`
}
