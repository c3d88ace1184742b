package data

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

type chatFilterFile struct {
	Blocked []string `yaml:"blocked"`
}

// ChatFilterTable is the blocklist applied to chat and direct messages.
// Terms and candidate text are compared in NFKC case-folded form, so
// fullwidth or differently cased spellings still match.
type ChatFilterTable struct {
	terms []string
}

// LoadChatFilter loads chat_filter.yaml.
func LoadChatFilter(path string) (*ChatFilterTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chat filter: %w", err)
	}
	var f chatFilterFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse chat filter: %w", err)
	}
	return NewChatFilter(f.Blocked), nil
}

func NewChatFilter(blocked []string) *ChatFilterTable {
	t := &ChatFilterTable{}
	for _, b := range blocked {
		if n := Normalize(b); n != "" {
			t.terms = append(t.terms, n)
		}
	}
	return t
}

// Normalize returns the NFKC, case-folded and whitespace-trimmed form of s.
func Normalize(s string) string {
	return strings.TrimSpace(cases.Fold().String(norm.NFKC.String(s)))
}

// Match returns the first blocked term contained in text.
func (t *ChatFilterTable) Match(text string) (string, bool) {
	if t == nil || len(t.terms) == 0 {
		return "", false
	}
	n := Normalize(text)
	for _, term := range t.terms {
		if strings.Contains(n, term) {
			return term, true
		}
	}
	return "", false
}

// Count returns the number of blocked terms.
func (t *ChatFilterTable) Count() int {
	if t == nil {
		return 0
	}
	return len(t.terms)
}
