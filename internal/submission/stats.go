package submission

// Stats 聚合了交易状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Rejected        int   `json:"rejected"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(sub *Submission) {
	s.Total++
	switch sub.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	case StatusRejected:
		s.Rejected++
	}
	if sub.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = sub.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (sub.UpdatedAt != 0 && sub.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = sub.UpdatedAt
	}
}
