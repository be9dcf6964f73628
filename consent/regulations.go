package consent

import (
	"strings"
	"time"
)

// 法规
const (
	RegulationGDPR = "GDPR"
	RegulationCCPA = "CCPA"
	RegulationCPRA = "CPRA"
)

// 权利请求类型
const (
	RequestAccess        = "access"
	RequestErasure       = "erasure"
	RequestRectification = "rectification"
	RequestPortability   = "portability"
	RequestRestriction   = "restriction"
	RequestObjection     = "objection"
	RequestOptOut        = "opt_out"
	RequestLimitUse      = "limit_use"
)

// 权利请求状态
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	// StatusOverdue 只出现在报告中，不会持久化
	StatusOverdue = "overdue"
)

const day = 24 * time.Hour

var requestTypes = map[string]struct{}{
	RequestAccess:        {},
	RequestErasure:       {},
	RequestRectification: {},
	RequestPortability:   {},
	RequestRestriction:   {},
	RequestObjection:     {},
	RequestOptOut:        {},
	RequestLimitUse:      {},
}

// RightsRequest 用户行使隐私权利的请求
type RightsRequest struct {
	RequestID        string     `json:"request_id"`
	UserID           string     `json:"user_id"`
	Type             string     `json:"type"`
	Regulation       string     `json:"regulation"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	ResponseDeadline time.Time  `json:"response_deadline"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Overdue 截止时间已过且仍未完成
func (r RightsRequest) Overdue(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ResponseDeadline)
}

// NormalizeRegulation 法规名称统一为大写
func NormalizeRegulation(regulation string) string {
	return strings.ToUpper(strings.TrimSpace(regulation))
}

// ResponseWindow 法规规定的答复期限：GDPR 30天，CCPA/CPRA 45天，其他30天
func ResponseWindow(regulation string) time.Duration {
	switch NormalizeRegulation(regulation) {
	case RegulationCCPA, RegulationCPRA:
		return 45 * day
	default:
		return 30 * day
	}
}
