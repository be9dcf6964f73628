package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dormoron/aegis/internal/errs"
	"github.com/dormoron/aegis/observability/logging"
	"github.com/dormoron/aegis/observability/metrics"
	"github.com/dormoron/aegis/vault"
)

// DefaultHistoryLimit 每个用户保留的审计记录数
const DefaultHistoryLimit = 100

var (
	// ErrUnknownPurpose 目的不在目录中
	ErrUnknownPurpose = errors.New("consent: unknown purpose")
	// ErrUnknownRequestType 不支持的权利请求类型
	ErrUnknownRequestType = errors.New("consent: unknown rights request type")
	// ErrRequestNotFound 权利请求不存在
	ErrRequestNotFound = errors.New("consent: rights request not found")
)

// 持久化键
func keyRecord(userID string) string   { return "consent.record." + userID }
func keyHistory(userID string) string  { return "consent.history." + userID }
func keyRequests(userID string) string { return "rights.requests." + userID }
func keyOptOut(userID string) string   { return "ccpa.optout." + userID }

// Storage 账本使用的键值存储，vault.Vault实现了该接口
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Peek 只读，不清除损坏的条目
	Peek(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) (vault.Tier, error)
	Delete(ctx context.Context, keys ...string) error
}

// Config 账本配置
type Config struct {
	Storage Storage
	// Purposes 为空时使用DefaultPurposes
	Purposes []Purpose
	// SchemaVersion 为空时使用CurrentSchemaVersion
	SchemaVersion string
	// HistoryLimit 为0时使用DefaultHistoryLimit
	HistoryLimit int
	Logger       logging.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Ledger 同意账本：记录目的的同意与撤回、权利请求及其期限，生成合规报告
type Ledger struct {
	storage      Storage
	purposes     map[string]Purpose
	order        []string
	version      string
	historyLimit int
	logger       logging.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	// 串行化同一账本上的读改写
	mu sync.Mutex
}

// NewLedger 创建同意账本
func NewLedger(config Config) (*Ledger, error) {
	if config.Storage == nil {
		return nil, errors.New("consent: storage is required")
	}
	if len(config.Purposes) == 0 {
		config.Purposes = DefaultPurposes()
	}
	if config.SchemaVersion == "" {
		config.SchemaVersion = CurrentSchemaVersion
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.Logger == nil {
		config.Logger = logging.GetDefaultLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	l := &Ledger{
		storage:      config.Storage,
		purposes:     make(map[string]Purpose, len(config.Purposes)),
		version:      config.SchemaVersion,
		historyLimit: config.HistoryLimit,
		logger:       config.Logger.With(map[string]interface{}{logging.FieldComponent: "consent"}),
		metrics:      config.Metrics,
		now:          config.Now,
	}
	for _, p := range config.Purposes {
		if p.ID == "" {
			return nil, errors.New("consent: purpose id is required")
		}
		if _, dup := l.purposes[p.ID]; dup {
			return nil, fmt.Errorf("consent: duplicate purpose %q", p.ID)
		}
		l.purposes[p.ID] = p
		l.order = append(l.order, p.ID)
	}
	return l, nil
}

// Purposes 返回目的目录
func (l *Ledger) Purposes() []Purpose {
	res := make([]Purpose, 0, len(l.order))
	for _, id := range l.order {
		res = append(res, l.purposes[id])
	}
	return res
}

// SchemaVersion 当前条款版本
func (l *Ledger) SchemaVersion() string {
	return l.version
}

// GetConsentStatus 返回用户的同意记录，不存在时返回只同意必要目的的默认记录
func (l *Ledger) GetConsentStatus(ctx context.Context, userID string) (Record, error) {
	rec, _, err := l.loadRecord(ctx, userID)
	return rec, err
}

// HasConsent 用户是否同意了指定目的
func (l *Ledger) HasConsent(ctx context.Context, userID, purpose string) (bool, error) {
	if _, ok := l.purposes[purpose]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPurpose, purpose)
	}
	rec, err := l.GetConsentStatus(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec.Granted(purpose), nil
}

// RequestConsent 逐个应用目的变更。撤回必要目的会被跳过并记录日志；
// 只有实际发生变化时才追加一条审计记录。
func (l *Ledger) RequestConsent(ctx context.Context, userID string, changes map[string]bool, method string) (Record, error) {
	if userID == "" {
		return Record{}, errors.New("consent: user id is required")
	}
	for id := range changes {
		if _, ok := l.purposes[id]; !ok {
			return Record{}, fmt.Errorf("%w: %s", ErrUnknownPurpose, id)
		}
	}
	if method == "" {
		method = MethodExplicit
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(ctx, userID, changes, method)
}

// RevokeConsent 撤回指定目的
func (l *Ledger) RevokeConsent(ctx context.Context, userID string, purposeIDs ...string) (Record, error) {
	changes := make(map[string]bool, len(purposeIDs))
	for _, id := range purposeIDs {
		changes[id] = false
	}
	return l.RequestConsent(ctx, userID, changes, MethodRevocation)
}

// GetConsentHistory 返回审计记录，最早的在前
func (l *Ledger) GetConsentHistory(ctx context.Context, userID string) ([]HistoryEntry, error) {
	var history []HistoryEntry
	found, err := l.load(ctx, keyHistory(userID), &history)
	if err != nil || !found {
		return nil, err
	}
	return history, nil
}

// RequiresConsentRenewal 没有记录或记录的条款版本与当前不一致时需要重新确认
func (l *Ledger) RequiresConsentRenewal(ctx context.Context, userID string) (bool, error) {
	rec, found, err := l.loadRecord(ctx, userID)
	if err != nil {
		return false, err
	}
	return !found || rec.Version != l.version, nil
}

// LogRightsRequest 登记一条权利请求，答复期限按法规计算
func (l *Ledger) LogRightsRequest(ctx context.Context, userID, requestType, regulation string) (RightsRequest, error) {
	requestType = strings.ToLower(strings.TrimSpace(requestType))
	if _, ok := requestTypes[requestType]; !ok {
		return RightsRequest{}, fmt.Errorf("%w: %s", ErrUnknownRequestType, requestType)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logRequest(ctx, userID, requestType, regulation)
}

// GetRightsRequests 返回用户的全部权利请求，按创建时间排序
func (l *Ledger) GetRightsRequests(ctx context.Context, userID string) ([]RightsRequest, error) {
	var requests []RightsRequest
	found, err := l.load(ctx, keyRequests(userID), &requests)
	if err != nil || !found {
		return nil, err
	}
	return requests, nil
}

// CompleteRightsRequest 标记权利请求已答复
func (l *Ledger) CompleteRightsRequest(ctx context.Context, userID, requestID string) (RightsRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	requests, err := l.GetRightsRequests(ctx, userID)
	if err != nil {
		return RightsRequest{}, err
	}
	for i := range requests {
		if requests[i].RequestID != requestID {
			continue
		}
		if requests[i].Status != StatusCompleted {
			now := l.now()
			requests[i].Status = StatusCompleted
			requests[i].CompletedAt = &now
			if err = l.save(ctx, keyRequests(userID), requests); err != nil {
				return RightsRequest{}, err
			}
		}
		return requests[i], nil
	}
	return RightsRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
}

// DoNotSellMyData 执行CCPA退出：撤回共享、营销和画像，
// 写入退出标记并登记一条opt_out请求
func (l *Ledger) DoNotSellMyData(ctx context.Context, userID string) (RightsRequest, error) {
	changes := make(map[string]bool, 3)
	for _, id := range []string{PurposeThirdPartySharing, PurposeMarketing, PurposeProfiling} {
		if _, ok := l.purposes[id]; ok {
			changes[id] = false
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.apply(ctx, userID, changes, MethodCCPAOptOut); err != nil {
		return RightsRequest{}, err
	}
	flag := optOut{OptedOut: true, Timestamp: l.now()}
	if err := l.save(ctx, keyOptOut(userID), flag); err != nil {
		return RightsRequest{}, err
	}
	l.logger.Info("用户已执行CCPA退出", map[string]interface{}{logging.FieldUserID: userID})
	return l.logRequest(ctx, userID, RequestOptOut, RegulationCCPA)
}

// GetCCPAOptOutStatus 用户是否执行过CCPA退出
func (l *Ledger) GetCCPAOptOutStatus(ctx context.Context, userID string) (bool, error) {
	var flag optOut
	found, err := l.load(ctx, keyOptOut(userID), &flag)
	if err != nil || !found {
		return false, err
	}
	return flag.OptedOut, nil
}

// ExportUserData 导出用户在账本中的全部数据，用于访问权和可携带权
func (l *Ledger) ExportUserData(ctx context.Context, userID string) ([]byte, error) {
	bundle := Export{UserID: userID, ExportedAt: l.now()}
	var err error
	if bundle.Record, err = l.GetConsentStatus(ctx, userID); err != nil {
		return nil, err
	}
	if bundle.History, err = l.GetConsentHistory(ctx, userID); err != nil {
		return nil, err
	}
	if bundle.RightsRequests, err = l.GetRightsRequests(ctx, userID); err != nil {
		return nil, err
	}
	if bundle.CCPAOptOut, err = l.GetCCPAOptOutStatus(ctx, userID); err != nil {
		return nil, err
	}
	return json.MarshalIndent(bundle, "", "  ")
}

// EraseUserData 删除用户在账本中的全部数据
func (l *Ledger) EraseUserData(ctx context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.storage.Delete(ctx, keyRecord(userID), keyHistory(userID), keyRequests(userID), keyOptOut(userID)); err != nil {
		return err
	}
	l.logger.Info("已删除用户的同意数据", map[string]interface{}{logging.FieldUserID: userID})
	return nil
}

// Export 导出数据包
type Export struct {
	UserID         string          `json:"user_id"`
	ExportedAt     time.Time       `json:"exported_at"`
	Record         Record          `json:"consent_record"`
	History        []HistoryEntry  `json:"consent_history"`
	RightsRequests []RightsRequest `json:"rights_requests"`
	CCPAOptOut     bool            `json:"ccpa_opt_out"`
}

type optOut struct {
	OptedOut  bool      `json:"opted_out"`
	Timestamp time.Time `json:"timestamp"`
}

// apply 调用方持有l.mu
func (l *Ledger) apply(ctx context.Context, userID string, changes map[string]bool, method string) (Record, error) {
	rec, _, err := l.loadRecord(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	now := l.now()

	ids := make([]string, 0, len(changes))
	for id := range changes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var diff []Change
	for _, id := range ids {
		granted := changes[id]
		p := l.purposes[id]
		if p.Required && !granted {
			l.logger.Info("必要目的不能撤回，已忽略", map[string]interface{}{
				logging.FieldUserID:  userID,
				logging.FieldPurpose: id,
			})
			continue
		}
		prev := rec.Purposes[id]
		if prev.Granted == granted {
			continue
		}
		rec.Purposes[id] = Decision{Granted: granted, Timestamp: now, Method: method, Required: p.Required}
		diff = append(diff, Change{Purpose: id, From: prev.Granted, To: granted})
	}

	rec.UserID = userID
	rec.Version = l.version
	rec.UpdatedAt = now
	if err = l.save(ctx, keyRecord(userID), rec); err != nil {
		return Record{}, err
	}

	if len(diff) > 0 {
		if err = l.appendHistory(ctx, userID, HistoryEntry{Timestamp: now, Method: method, Changes: diff}); err != nil {
			return Record{}, err
		}
		for _, c := range diff {
			l.metrics.IncConsentChange(c.Purpose, c.To)
		}
		l.logger.Info("同意记录已更新", map[string]interface{}{
			logging.FieldUserID: userID,
			"method":            method,
			"changes":           len(diff),
		})
	}
	return rec, nil
}

func (l *Ledger) appendHistory(ctx context.Context, userID string, entry HistoryEntry) error {
	history, err := l.GetConsentHistory(ctx, userID)
	if err != nil {
		return err
	}
	history = append(history, entry)
	if over := len(history) - l.historyLimit; over > 0 {
		history = history[over:]
	}
	return l.save(ctx, keyHistory(userID), history)
}

// logRequest 调用方持有l.mu
func (l *Ledger) logRequest(ctx context.Context, userID, requestType, regulation string) (RightsRequest, error) {
	regulation = NormalizeRegulation(regulation)
	if regulation == "" {
		regulation = RegulationGDPR
	}
	requests, err := l.GetRightsRequests(ctx, userID)
	if err != nil {
		return RightsRequest{}, err
	}

	now := l.now()
	req := RightsRequest{
		RequestID:        uuid.NewString(),
		UserID:           userID,
		Type:             requestType,
		Regulation:       regulation,
		Status:           StatusPending,
		CreatedAt:        now,
		ResponseDeadline: now.Add(ResponseWindow(regulation)),
	}
	if err = l.save(ctx, keyRequests(userID), append(requests, req)); err != nil {
		return RightsRequest{}, err
	}
	l.metrics.IncRightsRequest(requestType, regulation)
	l.logger.Info("已登记权利请求", map[string]interface{}{
		logging.FieldUserID: userID,
		"request_id":        req.RequestID,
		"type":              requestType,
		"regulation":        regulation,
	})
	return req, nil
}

// loader 读取并解析一个JSON值
type loader func(ctx context.Context, key string, v interface{}) (bool, error)

func (l *Ledger) loadRecord(ctx context.Context, userID string) (Record, bool, error) {
	return l.recordFrom(ctx, userID, l.load)
}

// recordFrom 读取记录并补齐目录中新增的目的，必要目的始终为同意
func (l *Ledger) recordFrom(ctx context.Context, userID string, load loader) (Record, bool, error) {
	var rec Record
	found, err := load(ctx, keyRecord(userID), &rec)
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		rec = Record{UserID: userID}
	}
	if rec.Purposes == nil {
		rec.Purposes = make(map[string]Decision, len(l.purposes))
	}
	for _, id := range l.order {
		p := l.purposes[id]
		d, ok := rec.Purposes[id]
		if !ok {
			d = Decision{Granted: p.Required, Method: MethodDefault, Timestamp: rec.UpdatedAt}
		}
		d.Required = p.Required
		if p.Required {
			d.Granted = true
		}
		rec.Purposes[id] = d
	}
	return rec, found, nil
}

// load 读取JSON值。数据损坏时删除并按不存在处理。
func (l *Ledger) load(ctx context.Context, key string, v interface{}) (bool, error) {
	return l.decode(ctx, key, v, true)
}

// peek 读取JSON值，数据损坏时按不存在处理但不删除
func (l *Ledger) peek(ctx context.Context, key string, v interface{}) (bool, error) {
	return l.decode(ctx, key, v, false)
}

func (l *Ledger) decode(ctx context.Context, key string, v interface{}, purge bool) (bool, error) {
	get := l.storage.Peek
	if purge {
		get = l.storage.Get
	}
	data, err := get(ctx, key)
	if errors.Is(err, vault.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err = json.Unmarshal(data, v); err != nil {
		fields := map[string]interface{}{
			logging.FieldKey:   key,
			logging.FieldError: errs.NewCorruptDataError(key, err),
		}
		if !purge {
			l.logger.Warn("同意数据已损坏", fields)
			return false, nil
		}
		l.logger.Warn("同意数据已损坏，已清除", fields)
		if derr := l.storage.Delete(ctx, key); derr != nil {
			return false, derr
		}
		return false, nil
	}
	return true, nil
}

func (l *Ledger) save(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = l.storage.Put(ctx, key, data)
	return err
}
