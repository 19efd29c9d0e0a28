package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxDisplayNameRunes は保存する表示名の最大文字数。
const maxDisplayNameRunes = 100

// ProfileSanitizer は外部IdPから受け取ったプロフィール文字列を
// 平文として安全に保存できる形に整える。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はすべてのHTMLタグを除去するポリシーでProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeBio は自己紹介文からタグと改行・タブ以外の制御文字を除去し、前後の空白を落とす。
// 長さの検証は呼び出し側で行う。
func (s *ProfileSanitizer) SanitizeBio(bio string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(bio))
	cleaned = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, cleaned)
	return strings.TrimSpace(cleaned)
}

// SanitizeName は表示名からタグと制御文字を除去し、前後の空白を落として長さを制限する。
// StrictPolicyはエンティティをエスケープするため、平文に戻してから保存する。
func (s *ProfileSanitizer) SanitizeName(name string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(name))
	cleaned = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(cleaned)

	if utf8.RuneCountInString(cleaned) > maxDisplayNameRunes {
		cleaned = string([]rune(cleaned)[:maxDisplayNameRunes])
	}
	return cleaned
}
