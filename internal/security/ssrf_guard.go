// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes は外部URLとして受け付けるスキーム。
var allowedSchemes = []string{"https"}

// blockedNetworks はURL検証でブロックするネットワーク範囲。
// パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// SSRFGuard はOAuthプロバイダーへの外向きHTTP通信と、
// プロバイダーから受け取ったURLの検証を担う。
type SSRFGuard struct{}

// NewSSRFGuard はSSRFGuardを生成する。
func NewSSRFGuard() *SSRFGuard {
	return &SSRFGuard{}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// トークン交換とプロフィール取得に使用し、HTTPS(443)以外への接続と
// プライベート/ループバック/リンクローカル宛ての接続をDialerレベルで拒否する。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はURLの安全性をDNS解決なしで静的に検証する。
// プロバイダーが返したアバターURLなど、保存して後でブラウザに渡すURLに使用する。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}
	if parsed.User != nil {
		return fmt.Errorf("credentials in URL are not allowed")
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// isBlockedHostname はlocalhostおよびそのサブドメインを拒否する。
func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	return lower == "localhost" || strings.HasSuffix(lower, ".localhost")
}
