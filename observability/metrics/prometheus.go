package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dormoron/aegis/observability/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config 是指标采集的配置
type Config struct {
	// 指标的命名空间
	Namespace string
	// HTTP服务器的地址，为空时不启动
	HTTPAddr string
	// 指标路径
	MetricsPath string
	// 是否启用
	Enabled bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace:   "aegis",
		HTTPAddr:    "",
		MetricsPath: "/metrics",
		Enabled:     true,
	}
}

// Metrics 包含认证子系统的全部指标。
// 所有方法都允许nil接收者，未启用指标时组件可以直接传nil。
type Metrics struct {
	config   Config
	registry *prometheus.Registry
	server   *http.Server

	// 远端认证请求计数
	RequestCounter *prometheus.CounterVec
	// 远端认证请求延迟
	RequestLatency *prometheus.HistogramVec
	// MFA验证结果
	Verifications *prometheus.CounterVec
	// 锁定次数
	Lockouts prometheus.Counter
	// 冷却期内被拒绝的重发
	ResendRejected prometheus.Counter
	// 安全层不可用时的降级写入
	VaultFallbacks *prometheus.CounterVec
	// 被清除的损坏数据
	CorruptPurged prometheus.Counter
	// 同意变更
	ConsentChanges *prometheus.CounterVec
	// 权利请求
	RightsRequests *prometheus.CounterVec
}

// New 创建并注册所有指标
func New(config Config) *Metrics {
	if !config.Enabled {
		return nil
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	m := &Metrics{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	m.RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "auth_requests_total",
			Help:      "Total number of remote authentication requests",
		},
		[]string{"endpoint", "outcome"},
	)
	m.RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "auth_request_duration_seconds",
			Help:      "Histogram of remote authentication request latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"endpoint"},
	)
	m.Verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "mfa_verifications_total",
			Help:      "MFA verification attempts by kind and result",
		},
		[]string{"kind", "result"},
	)
	m.Lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "mfa_lockouts_total",
		Help:      "Challenges blocked after exhausting attempts",
	})
	m.ResendRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "mfa_resend_rejected_total",
		Help:      "Resend requests rejected by the cooldown",
	})
	m.VaultFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "vault_fallback_total",
			Help:      "Writes that fell back to the plaintext tier",
		},
		[]string{"op"},
	)
	m.CorruptPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "vault_corrupt_purged_total",
		Help:      "Corrupt vault entries purged on read",
	})
	m.ConsentChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "consent_changes_total",
			Help:      "Consent decisions that actually changed",
		},
		[]string{"purpose", "granted"},
	)
	m.RightsRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "rights_requests_total",
			Help:      "Privacy rights requests logged",
		},
		[]string{"type", "regulation"},
	)

	m.registry.MustRegister(
		m.RequestCounter,
		m.RequestLatency,
		m.Verifications,
		m.Lockouts,
		m.ResendRejected,
		m.VaultFallbacks,
		m.CorruptPurged,
		m.ConsentChanges,
		m.RightsRequests,
	)

	return m
}

// Registry 返回私有注册器
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回暴露指标的HTTP处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Start 启动指标HTTP服务器
func (m *Metrics) Start() error {
	if m == nil || m.config.HTTPAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, m.Handler())
	m.server = &http.Server{
		Addr:              m.config.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// 指标服务失败不影响认证流程
			logging.GetDefaultLogger().Error("指标服务异常退出", map[string]interface{}{
				logging.FieldError: err,
			})
		}
	}()
	return nil
}

// Stop 关闭指标HTTP服务器
func (m *Metrics) Stop(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// ObserveRequest 记录一次远端认证请求
func (m *Metrics) ObserveRequest(endpoint, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestCounter.WithLabelValues(endpoint, outcome).Inc()
	m.RequestLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveVerification 记录一次MFA验证
func (m *Metrics) ObserveVerification(kind, result string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(kind, result).Inc()
}

// IncLockout 记录一次锁定
func (m *Metrics) IncLockout() {
	if m == nil {
		return
	}
	m.Lockouts.Inc()
}

// IncResendRejected 记录一次被冷却拒绝的重发
func (m *Metrics) IncResendRejected() {
	if m == nil {
		return
	}
	m.ResendRejected.Inc()
}

// IncVaultFallback 记录一次降级写入
func (m *Metrics) IncVaultFallback(op string) {
	if m == nil {
		return
	}
	m.VaultFallbacks.WithLabelValues(op).Inc()
}

// IncCorruptPurged 记录一次损坏数据清除
func (m *Metrics) IncCorruptPurged() {
	if m == nil {
		return
	}
	m.CorruptPurged.Inc()
}

// IncConsentChange 记录一次同意变更
func (m *Metrics) IncConsentChange(purpose string, granted bool) {
	if m == nil {
		return
	}
	m.ConsentChanges.WithLabelValues(purpose, strconv.FormatBool(granted)).Inc()
}

// IncRightsRequest 记录一次权利请求
func (m *Metrics) IncRightsRequest(requestType, regulation string) {
	if m == nil {
		return
	}
	m.RightsRequests.WithLabelValues(requestType, regulation).Inc()
}
