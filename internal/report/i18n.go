package report

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Language is a locale code with a bundled label set.
type Language string

const (
	LangEnglish Language = "en"
	LangTurkish Language = "tr"
)

// ErrUnsupportedLanguage is returned for a locale without a label set.
var ErrUnsupportedLanguage = errors.New("report: unsupported language")

//go:embed locales/*.json
var localeFS embed.FS

var labels = loadLabels()

func loadLabels() map[Language]map[string]string {
	files, err := localeFS.ReadDir("locales")
	if err != nil {
		panic(fmt.Sprintf("report: read locales: %v", err))
	}
	out := make(map[Language]map[string]string, len(files))
	for _, f := range files {
		data, err := localeFS.ReadFile(path.Join("locales", f.Name()))
		if err != nil {
			panic(fmt.Sprintf("report: load locale %s: %v", f.Name(), err))
		}
		var set map[string]string
		if err := json.Unmarshal(data, &set); err != nil {
			panic(fmt.Sprintf("report: parse locale %s: %v", f.Name(), err))
		}
		out[Language(strings.TrimSuffix(f.Name(), ".json"))] = set
	}
	return out
}

// Labels looks up report captions for one language. Keys missing from the
// language fall back to English and then to the key itself.
type Labels struct {
	lang Language
}

func NewLabels(lang Language) Labels {
	if _, ok := labels[lang]; !ok {
		lang = LangEnglish
	}
	return Labels{lang: lang}
}

func (l Labels) Lang() Language { return l.lang }

func (l Labels) T(key string) string {
	if v, ok := labels[l.lang][key]; ok {
		return v
	}
	if v, ok := labels[LangEnglish][key]; ok {
		return v
	}
	return key
}

// ParseLanguage maps a flag value onto a bundled language.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "en", "en-us", "en-gb", "english":
		return LangEnglish, nil
	case "tr", "tr-tr", "turkish", "türkçe", "turkce":
		return LangTurkish, nil
	}
	return LangEnglish, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, s)
}
