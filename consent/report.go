package consent

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// DeadlineStatus 权利请求的期限状态
type DeadlineStatus struct {
	RequestID        string    `json:"request_id"`
	Type             string    `json:"type"`
	Regulation       string    `json:"regulation"`
	Status           string    `json:"status"`
	ResponseDeadline time.Time `json:"response_deadline"`
	// DaysRemaining 距截止日的整天数，已逾期时为负数
	DaysRemaining int `json:"days_remaining"`
}

// Report 合规报告，只读
type Report struct {
	UserID          string           `json:"user_id"`
	GeneratedAt     time.Time        `json:"generated_at"`
	SchemaVersion   string           `json:"schema_version"`
	RecordVersion   string           `json:"record_version"`
	Consents        map[string]bool  `json:"consents"`
	HistoryEntries  int              `json:"history_entries"`
	RequestCounts   map[string]int   `json:"request_counts"`
	Deadlines       []DeadlineStatus `json:"deadlines"`
	Pending         int              `json:"pending"`
	Overdue         int              `json:"overdue"`
	Completed       int              `json:"completed"`
	RequiresRenewal bool             `json:"requires_renewal"`
	CCPAOptOut      bool             `json:"ccpa_opt_out"`
}

// GenerateComplianceReport 汇总当前同意状态、请求数量和期限状态，不修改任何数据。
// 损坏的条目按不存在处理，留给下一次读写清除。
func (l *Ledger) GenerateComplianceReport(ctx context.Context, userID string) (Report, error) {
	var (
		rec      Record
		found    bool
		history  []HistoryEntry
		requests []RightsRequest
		flag     optOut
	)

	// 与写操作互斥，保证记录和历史来自同一时刻
	l.mu.Lock()
	defer l.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		rec, found, err = l.recordFrom(ctx, userID, l.peek)
		return err
	})
	eg.Go(func() (err error) {
		_, err = l.peek(ctx, keyHistory(userID), &history)
		return err
	})
	eg.Go(func() (err error) {
		_, err = l.peek(ctx, keyRequests(userID), &requests)
		return err
	})
	eg.Go(func() (err error) {
		_, err = l.peek(ctx, keyOptOut(userID), &flag)
		return err
	})
	if err := eg.Wait(); err != nil {
		return Report{}, err
	}
	optedOut := flag.OptedOut

	now := l.now()
	report := Report{
		UserID:          userID,
		GeneratedAt:     now,
		SchemaVersion:   l.version,
		RecordVersion:   rec.Version,
		Consents:        make(map[string]bool, len(rec.Purposes)),
		HistoryEntries:  len(history),
		RequestCounts:   make(map[string]int),
		Deadlines:       make([]DeadlineStatus, 0, len(requests)),
		RequiresRenewal: !found || rec.Version != l.version,
		CCPAOptOut:      optedOut,
	}
	for id, d := range rec.Purposes {
		report.Consents[id] = d.Granted
	}

	for _, r := range requests {
		report.RequestCounts[r.Type]++

		status := r.Status
		switch {
		case status == StatusCompleted:
			report.Completed++
		case r.Overdue(now):
			status = StatusOverdue
			report.Overdue++
		default:
			report.Pending++
		}
		report.Deadlines = append(report.Deadlines, DeadlineStatus{
			RequestID:        r.RequestID,
			Type:             r.Type,
			Regulation:       r.Regulation,
			Status:           status,
			ResponseDeadline: r.ResponseDeadline,
			DaysRemaining:    daysUntil(now, r.ResponseDeadline),
		})
	}
	return report, nil
}

func daysUntil(now, deadline time.Time) int {
	return int(deadline.Sub(now) / day)
}
