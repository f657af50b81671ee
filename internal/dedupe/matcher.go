package dedupe

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// ExcludeMode selects how exclude phrases are matched against listing text.
type ExcludeMode string

// Supported exclude modes.
const (
	// ExcludeSubstring drops a listing whose text contains the phrase, ignoring case.
	ExcludeSubstring ExcludeMode = "substring"
	// ExcludeToken drops a listing when every word of the phrase appears as a whole word.
	ExcludeToken ExcludeMode = "token"
	// ExcludeRegex treats each phrase as a case-insensitive regular expression.
	ExcludeRegex ExcludeMode = "regex"
)

// Matcher reports whether text hits any exclude phrase.
type Matcher interface {
	Match(text string) bool
}

// CompileExcludes builds a Matcher for phrases under mode. Blank phrases are ignored.
func CompileExcludes(mode ExcludeMode, phrases []string) (Matcher, error) {
	switch mode {
	case "", ExcludeSubstring:
		m := substringMatcher{}
		for _, p := range phrases {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				m.phrases = append(m.phrases, p)
			}
		}
		return m, nil
	case ExcludeToken:
		m := tokenMatcher{}
		for _, p := range phrases {
			if words := tokenize(p); len(words) > 0 {
				m.phrases = append(m.phrases, words)
			}
		}
		return m, nil
	case ExcludeRegex:
		m := regexMatcher{}
		for _, p := range phrases {
			if strings.TrimSpace(p) == "" {
				continue
			}
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, harvest.NewConfigurationError("exclude pattern %q: %v", p, err)
			}
			m.patterns = append(m.patterns, re)
		}
		return m, nil
	default:
		return nil, harvest.NewConfigurationError("unknown exclude mode %q", mode)
	}
}

type substringMatcher struct {
	phrases []string
}

func (m substringMatcher) Match(text string) bool {
	if len(m.phrases) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range m.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

type tokenMatcher struct {
	phrases [][]string
}

func (m tokenMatcher) Match(text string) bool {
	if len(m.phrases) == 0 {
		return false
	}
	words := make(map[string]struct{})
	for _, w := range tokenize(text) {
		words[w] = struct{}{}
	}
	for _, phrase := range m.phrases {
		hit := true
		for _, w := range phrase {
			if _, ok := words[w]; !ok {
				hit = false
				break
			}
		}
		if hit {
			return true
		}
	}
	return false
}

type regexMatcher struct {
	patterns []*regexp.Regexp
}

func (m regexMatcher) Match(text string) bool {
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
