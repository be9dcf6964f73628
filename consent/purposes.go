package consent

import "time"

// 默认目的
const (
	PurposeEssential         = "essential"
	PurposeAnalytics         = "analytics"
	PurposeMarketing         = "marketing"
	PurposePersonalization   = "personalization"
	PurposeThirdPartySharing = "third_party_sharing"
	PurposeProfiling         = "profiling"
	PurposeLocation          = "location"
)

// 同意方式
const (
	MethodExplicit   = "explicit"
	MethodRevocation = "revocation"
	MethodCCPAOptOut = "ccpa_opt_out"
	MethodDefault    = "default"
)

// CurrentSchemaVersion 当前同意条款版本，变更后需要用户重新确认
const CurrentSchemaVersion = "2024.1"

// Purpose 数据处理目的
type Purpose struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// Required 必要目的不能撤回
	Required bool `json:"required"`
}

// DefaultPurposes 默认目的目录
func DefaultPurposes() []Purpose {
	return []Purpose{
		{ID: PurposeEssential, Name: "必要功能", Description: "登录、安全和基础服务所必需的数据处理", Required: true},
		{ID: PurposeAnalytics, Name: "统计分析", Description: "匿名使用统计，用于改进产品"},
		{ID: PurposeMarketing, Name: "营销推广", Description: "个性化营销信息和推广"},
		{ID: PurposePersonalization, Name: "个性化", Description: "根据使用习惯调整内容"},
		{ID: PurposeThirdPartySharing, Name: "第三方共享", Description: "与合作伙伴共享或出售数据"},
		{ID: PurposeProfiling, Name: "用户画像", Description: "基于行为的自动化画像"},
		{ID: PurposeLocation, Name: "位置信息", Description: "使用精确位置提供本地化服务"},
	}
}

// Decision 单个目的的同意状态
type Decision struct {
	Granted   bool      `json:"granted"`
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Required  bool      `json:"required"`
}

// Record 用户的同意记录
type Record struct {
	UserID    string              `json:"user_id"`
	Version   string              `json:"version"`
	UpdatedAt time.Time           `json:"updated_at"`
	Purposes  map[string]Decision `json:"purposes"`
}

// Granted 目的是否已同意
func (r Record) Granted(purpose string) bool {
	return r.Purposes[purpose].Granted
}

// Change 单个目的的变化
type Change struct {
	Purpose string `json:"purpose"`
	From    bool   `json:"from"`
	To      bool   `json:"to"`
}

// HistoryEntry 审计记录，只追加
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Changes   []Change  `json:"changes"`
}
