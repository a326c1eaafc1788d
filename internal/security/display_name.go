// Package security は利用者が入力した値の無害化を提供する。
//
// 表示名はダッシュボードやメール本文にそのまま埋め込まれるため、
// 保存前にHTMLをすべて除去してプレーンテキストにする。
package security

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// MaxDisplayNameRunes は表示名として保存する最大文字数。
	MaxDisplayNameRunes = 100

	// maxSanitizeRounds はエンティティを戻した結果に新たなタグが現れた場合に繰り返す上限。
	maxSanitizeRounds = 5
)

// DisplayNameSanitizer は表示名からHTMLと制御文字を取り除く。
// bluemondayのStrictPolicyはスレッドセーフなので共有してよい。
type DisplayNameSanitizer struct {
	policy *bluemonday.Policy
}

// NewDisplayNameSanitizer はDisplayNameSanitizerを生成する。
func NewDisplayNameSanitizer() *DisplayNameSanitizer {
	return &DisplayNameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し（script/styleは中身ごと）、エンティティを元の文字に戻したうえで
// 制御文字と前後の空白を取り除き、MaxDisplayNameRunes文字に切り詰める。
// エンティティを戻した結果がタグになる場合は変化しなくなるまで繰り返す。
func (s *DisplayNameSanitizer) Sanitize(name string) string {
	if name == "" {
		return ""
	}
	cleaned := name
	for i := 0; i < maxSanitizeRounds; i++ {
		next := html.UnescapeString(s.policy.Sanitize(cleaned))
		if next == cleaned {
			break
		}
		cleaned = next
	}
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(cleaned)

	if utf8.RuneCountInString(cleaned) > MaxDisplayNameRunes {
		cleaned = strings.TrimSpace(string([]rune(cleaned)[:MaxDisplayNameRunes]))
	}
	return cleaned
}
