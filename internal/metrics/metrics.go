// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、Route Guard、セッション掃除ジョブから利用する。
type MetricsCollector interface {
	// RecordLogin はログイン試行を記録する。methodは "password" またはプロバイダー名。
	RecordLogin(method string, success bool)
	RecordSessionCreated()
	RecordSessionsRevoked(count int64)
	// RecordTokenRejected は匿名扱いとなったトークンを記録する。reasonは "invalid" または "stale"。
	RecordTokenRejected(reason string)
	RecordOAuthFailure(provider, stage string)
	RecordGuardDecision(decision string)
	RecordSessionsSwept(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	sessionsRevoked prometheus.Counter
	tokensRejected  *prometheus.CounterVec
	oauthFailures   *prometheus.CounterVec
	guardDecisions  *prometheus.CounterVec
	sessionsSwept   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ryoa_logins_total",
			Help: "ログイン試行の合計数",
		}, []string{"method", "result"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ryoa_sessions_created_total",
			Help: "発行したセッションの合計数",
		}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ryoa_sessions_revoked_total",
			Help: "ログアウトやパスワード変更で失効したセッションの合計数",
		}),
		tokensRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ryoa_tokens_rejected_total",
			Help: "匿名扱いとなったセッショントークンの合計数",
		}, []string{"reason"}),
		oauthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ryoa_oauth_failures_total",
			Help: "OAuthフローの失敗数",
		}, []string{"provider", "stage"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ryoa_guard_decisions_total",
			Help: "Route Guardの判定結果別リクエスト数",
		}, []string{"decision"}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ryoa_sessions_swept_total",
			Help: "掃除ジョブで削除した期限切れセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.sessionsCreated,
		c.sessionsRevoked,
		c.tokensRejected,
		c.oauthFailures,
		c.guardDecisions,
		c.sessionsSwept,
	)

	return c
}

// RecordLogin はログイン試行を記録する。
func (c *Collector) RecordLogin(method string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.logins.WithLabelValues(method, result).Inc()
}

// RecordSessionCreated はセッション発行を記録する。
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Inc()
}

// RecordSessionsRevoked はセッション失効を記録する。
func (c *Collector) RecordSessionsRevoked(count int64) {
	c.sessionsRevoked.Add(float64(count))
}

// RecordTokenRejected はトークン拒否を記録する。
func (c *Collector) RecordTokenRejected(reason string) {
	c.tokensRejected.WithLabelValues(reason).Inc()
}

// RecordOAuthFailure はOAuthフローの失敗を記録する。
func (c *Collector) RecordOAuthFailure(provider, stage string) {
	c.oauthFailures.WithLabelValues(provider, stage).Inc()
}

// RecordGuardDecision はRoute Guardの判定を記録する。
func (c *Collector) RecordGuardDecision(decision string) {
	c.guardDecisions.WithLabelValues(decision).Inc()
}

// RecordSessionsSwept は掃除ジョブの削除件数を記録する。
func (c *Collector) RecordSessionsSwept(count int64) {
	c.sessionsSwept.Add(float64(count))
}

// NopCollector は何も記録しないMetricsCollector。テストやCLIコマンドで使用する。
type NopCollector struct{}

func (NopCollector) RecordLogin(string, bool)          {}
func (NopCollector) RecordSessionCreated()             {}
func (NopCollector) RecordSessionsRevoked(int64)       {}
func (NopCollector) RecordTokenRejected(string)        {}
func (NopCollector) RecordOAuthFailure(string, string) {}
func (NopCollector) RecordGuardDecision(string)        {}
func (NopCollector) RecordSessionsSwept(int64)         {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
