// Package security はアプリケーションのセキュリティ機能を提供する。
//
// 外部API（RxNav、FCM）への送信に使うHTTPクライアントの宛先制限と、
// 利用者入力テキストのサニタイズを含む。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// 宛先検証のエラー。errors.Isで判定できる。
var (
	ErrInsecureScheme = errors.New("https以外のスキームは許可されていません")
	ErrEmbeddedCreds  = errors.New("URLに認証情報を含めることはできません")
	ErrBlockedAddress = errors.New("内部ネットワーク宛ての送信は許可されていません")
)

// EgressGuardService は外部APIへの送信経路を制限するインターフェース。
// 起動時に設定済みエンドポイントを検証し、実行時は検証付きクライアントで接続する。
type EgressGuardService interface {
	// NewClient は宛先IPをDNS解決後に検証するHTTPクライアントを生成する。
	NewClient(timeout time.Duration) *http.Client

	// ValidateEndpoint は設定されたエンドポイントURLを静的に検証する。
	ValidateEndpoint(rawURL string) error
}

// blockedPrefixes は送信を禁止するアドレス範囲。
// 169.254.0.0/16 はクラウドのメタデータIP (169.254.169.254) を含む。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// blockedHosts はIPではなく名前で拒否する内部ホスト。
var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
}

// egressGuard はEgressGuardServiceの実装。
type egressGuard struct{}

// NewEgressGuard はEgressGuardServiceを生成する。
func NewEgressGuard() EgressGuardService {
	return egressGuard{}
}

// NewClient はsafeurlでラップしたHTTPクライアントを返す。
// safeurlはnet.DialerのControlフックで接続先IPを検証するため、DNS再バインディングも防げる。
// RxNavとFCMはどちらもHTTPSのため、443番ポートのhttpsのみを許可する。
func (egressGuard) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint はDNS解決を行わずにURLを検査する。
func (egressGuard) ValidateEndpoint(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLの解析に失敗しました: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("%w: %q", ErrInsecureScheme, u.Scheme)
	}
	if u.User != nil {
		return ErrEmbeddedCreds
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("ホストが指定されていません: %s", rawURL)
	}
	if _, ok := blockedHosts[host]; ok {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && isBlockedAddr(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
	}
	return nil
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
