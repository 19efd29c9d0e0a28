package middleware

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// NewClientIPKey は信頼済みプロキシを考慮してクライアントIPをキーとするKeyFuncを返す。
//
// trustedProxiesはIPアドレスまたはCIDR。ソケットの接続元が信頼済みプロキシの場合に限り
// X-Forwarded-Forを右から辿り、最初に現れた信頼済みでないアドレスをクライアントとみなす。
// 接続元が信頼済みでなければヘッダーは無視し、ClientIPKeyと同じ値を返す。
func NewClientIPKey(trustedProxies []string) (KeyFunc, error) {
	if len(trustedProxies) == 0 {
		return ClientIPKey, nil
	}

	prefixes := make([]netip.Prefix, 0, len(trustedProxies))
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		prefix, err := parseProxyPrefix(raw)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix)
	}

	trusted := func(addr netip.Addr) bool {
		for _, p := range prefixes {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(r *http.Request) string {
		remote, ok := parseIP(ClientIPKey(r))
		if !ok || !trusted(remote) {
			return ClientIPKey(r)
		}

		hops := forwardedFor(r.Header.Values("X-Forwarded-For"))
		for i := len(hops) - 1; i >= 0; i-- {
			if !trusted(hops[i]) {
				return hops[i].String()
			}
		}
		if len(hops) > 0 {
			return hops[0].String()
		}
		return remote.String()
	}, nil
}

func parseProxyPrefix(raw string) (netip.Prefix, error) {
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// forwardedFor は複数のX-Forwarded-Forヘッダーを連結した順にアドレスを返す。
// 解釈できない要素は読み飛ばす。
func forwardedFor(values []string) []netip.Addr {
	var out []netip.Addr
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if addr, ok := parseIP(part); ok {
				out = append(out, addr)
			}
		}
	}
	return out
}

func parseIP(value string) (netip.Addr, bool) {
	value = strings.Trim(strings.TrimSpace(value), "\"")
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}
	value = strings.Trim(value, "[]")
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}
