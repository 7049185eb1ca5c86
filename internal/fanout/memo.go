package fanout

import (
	"context"
	"log"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/lingo/relay/internal/metrics"
	"github.com/lingo/relay/internal/translate"
)

// memo translates each distinct (content, target language) pair at most once
// for the lifetime of one send. It is not shared across sends.
type memo struct {
	translator translate.Translator
	group      singleflight.Group

	mu      sync.Mutex
	results map[string]string
}

func newMemo(translator translate.Translator) *memo {
	return &memo{translator: translator, results: make(map[string]string)}
}

// translate returns content in target. An unset target, or one matching
// source, returns content without calling the translator. A translator error
// also falls back to content.
func (m *memo) translate(ctx context.Context, content, source, target string) string {
	if target == "" || translate.SameLanguage(source, target) {
		return content
	}
	if canonical, ok := translate.Normalize(target); ok {
		target = canonical
	}

	key := strconv.FormatUint(xxhash.Sum64String(content), 16) + ":" + target

	m.mu.Lock()
	if out, ok := m.results[key]; ok {
		m.mu.Unlock()
		return out
	}
	m.mu.Unlock()

	v, _, _ := m.group.Do(key, func() (interface{}, error) {
		m.mu.Lock()
		if out, ok := m.results[key]; ok {
			m.mu.Unlock()
			return out, nil
		}
		m.mu.Unlock()

		out, err := m.translator.Translate(ctx, content, target)
		if err != nil {
			metrics.TranslationsTotal.WithLabelValues("error").Inc()
			log.Printf("[fanout] translate to %s failed, using original: %v", target, err)
			out = content
		} else {
			metrics.TranslationsTotal.WithLabelValues("ok").Inc()
		}

		m.mu.Lock()
		m.results[key] = out
		m.mu.Unlock()
		return out, nil
	})
	return v.(string)
}
