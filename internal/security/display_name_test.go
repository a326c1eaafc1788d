package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDisplayNameSanitizer_Sanitize(t *testing.T) {
	s := NewDisplayNameSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキストはそのまま", "山田 太郎", "山田 太郎"},
		{"前後の空白を除去", "  Alice  ", "Alice"},
		{"タグを除去", "<b>Bob</b>", "Bob"},
		{"scriptは中身ごと除去", "<script>alert(1)</script>Carol", "Carol"},
		{"イベント属性付きタグ", `<img src=x onerror="alert(1)">Dave`, "Dave"},
		{"アンパサンドは元に戻す", "Tom & Jerry", "Tom & Jerry"},
		{"制御文字を除去", "Eve\x1b[31m\x07", "Eve[31m"},
		{"エスケープされたタグも除去", "&lt;b&gt;Ivan&lt;/b&gt;", "Ivan"},
		{"空文字列", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDisplayNameSanitizer_Truncates(t *testing.T) {
	s := NewDisplayNameSanitizer()

	got := s.Sanitize(strings.Repeat("あ", MaxDisplayNameRunes+20))
	if n := utf8.RuneCountInString(got); n != MaxDisplayNameRunes {
		t.Errorf("rune count = %d, want %d", n, MaxDisplayNameRunes)
	}
}

func TestDisplayNameSanitizer_Idempotent(t *testing.T) {
	s := NewDisplayNameSanitizer()

	inputs := []string{"<i>Frank</i> & co", "Grace <3", "&lt;Heidi&gt;"}
	for _, in := range inputs {
		once := s.Sanitize(in)
		if twice := s.Sanitize(once); twice != once {
			t.Errorf("Sanitize not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}
