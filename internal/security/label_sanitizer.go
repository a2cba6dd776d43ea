package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// LabelSanitizer は通知種別・応答種別などの短いラベルを無害化する。
// ラベルは相手のクライアントにそのまま表示されるため、マークアップを全て除去する。
type LabelSanitizer interface {
	// CleanLabel はタグを除去し、連続する空白を1つにまとめ、前後の空白を取り除く。
	CleanLabel(raw string) string
}

type labelSanitizer struct {
	policy *bluemonday.Policy
}

// NewLabelSanitizer はbluemondayのStrictPolicyを使用したLabelSanitizerを生成する。
func NewLabelSanitizer() *labelSanitizer {
	return &labelSanitizer{policy: bluemonday.StrictPolicy()}
}

// CleanLabel はラベルを無害化する。
// StrictPolicyがエスケープした実体参照は元の文字に戻す。
func (s *labelSanitizer) CleanLabel(raw string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(cleaned), " ")
}
