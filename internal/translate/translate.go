// Package translate turns message text into a recipient's preferred
// language. Translator is the narrow interface the fan-out depends on;
// Client implements it against the Google Cloud Translation v2 REST API.
package translate

import (
	"context"
	"strings"

	"golang.org/x/text/language"
)

// Translator translates text into the target language (a BCP 47 tag).
type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// Nop returns the text unchanged. It is used when no translation backend is
// configured.
type Nop struct{}

// Translate implements Translator.
func (Nop) Translate(_ context.Context, text, _ string) (string, error) {
	return text, nil
}

// Normalize parses tag and returns its canonical form. ok is false for empty
// or malformed tags.
func Normalize(tag string) (string, bool) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", false
	}
	t, err := language.Parse(tag)
	if err != nil {
		return "", false
	}
	return t.String(), true
}

// SameLanguage reports whether a and b name the same written language.
// Region differences do not count ("en-US" and "en-GB" match) but script
// differences do ("zh-TW" and "zh-CN" don't). Unparseable tags fall back to
// a case-insensitive string comparison.
func SameLanguage(a, b string) bool {
	ta, errA := language.Parse(strings.TrimSpace(a))
	tb, errB := language.Parse(strings.TrimSpace(b))
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}

	baseA, _ := ta.Base()
	baseB, _ := tb.Base()
	if baseA != baseB {
		return false
	}
	scriptA, _ := ta.Script()
	scriptB, _ := tb.Script()
	return scriptA == scriptB
}
