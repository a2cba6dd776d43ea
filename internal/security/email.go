package security

import (
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeEmail はメールアドレスを照合用の正規形に変換する。
// 前後の空白を除去し、ローカル部を小文字化し、ドメインをIDNAのASCII形式にする。
// 表示名付きの形式（"Alice <a@example.com>"）は受け付けない。
func NormalizeEmail(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("email is empty")
	}

	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("invalid email %q: %w", s, err)
	}
	if addr.Address != s {
		return "", fmt.Errorf("invalid email %q: display name is not allowed", s)
	}

	at := strings.LastIndex(addr.Address, "@")
	local, domain := addr.Address[:at], addr.Address[at+1:]

	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("invalid email domain %q: %w", domain, err)
	}

	return strings.ToLower(local) + "@" + strings.ToLower(asciiDomain), nil
}
