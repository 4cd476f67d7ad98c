// Package i18n resolves dot-path keys against per-locale string trees.
//
// Lookup order: active locale tree, then the fallback locale tree when the
// active locale was never loaded, then the key itself.
package i18n

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/turnstile-uxkit/pkg/logging"
	"github.com/psantana5/turnstile-uxkit/pkg/retry"
)

// DefaultLocale is used when nothing else is configured or detected
const DefaultLocale = "en"

// Tree is a nested string table for one locale
type Tree = map[string]any

// Options configures a Loader
type Options struct {
	Locale         string
	FallbackLocale string
	Logger         *logging.Logger
	HTTPClient     *http.Client
	Retry          retry.Config
}

// Loader holds the loaded locale trees and the active locale
type Loader struct {
	mu           sync.RWMutex
	locale       string
	fallback     string
	translations map[string]Tree

	logger *logging.Logger
	client *http.Client
	retry  retry.Config
}

// New creates a loader. An empty Locale is detected from LC_ALL or LANG.
func New(opts Options) *Loader {
	locale := opts.Locale
	if locale == "" {
		locale = detectEnvLocale()
	}
	fallback := opts.FallbackLocale
	if fallback == "" {
		fallback = DefaultLocale
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	cfg := opts.Retry
	if cfg == (retry.Config{}) {
		cfg = retry.DefaultConfig()
	}
	return &Loader{
		locale:       locale,
		fallback:     fallback,
		translations: make(map[string]Tree),
		logger:       logger.Component("i18n"),
		client:       client,
		retry:        cfg,
	}
}

func detectEnvLocale() string {
	for _, env := range []string{"LC_ALL", "LANG"} {
		if tag := DetectLocale(os.Getenv(env)); tag != "" {
			return tag
		}
	}
	return DefaultLocale
}

// DetectLocale reduces an Accept-Language header or a POSIX locale such as
// "de_DE.UTF-8" to its base language ("de"). It returns "" when s holds no
// usable tag.
func DetectLocale(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".@"); i >= 0 && !strings.Contains(s, ",") {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "_", "-")
	if s == "" || s == "C" || s == "POSIX" {
		return ""
	}

	tags, _, err := language.ParseAcceptLanguage(s)
	if err != nil || len(tags) == 0 {
		return ""
	}
	base, conf := tags[0].Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}

// Match picks the locale to serve for tag: the full tag when a tree is
// loaded for it, otherwise its base language. Unusable tags give "".
func (l *Loader) Match(tag string) string {
	base := DetectLocale(tag)
	if base == "" {
		return ""
	}
	full := strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if i := strings.IndexAny(full, ".@,;"); i >= 0 {
		full = full[:i]
	}
	candidates := []string{full}
	if parsed, err := language.Parse(full); err == nil {
		candidates = append(candidates, parsed.String())
	}
	for _, candidate := range candidates {
		if l.HasLocale(candidate) {
			return candidate
		}
	}
	return base
}

// LoadLocale registers tree under locale, replacing any previous tree
func (l *Loader) LoadLocale(locale string, tree Tree) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.translations[locale] = tree
}

// LoadLocaleJSON parses a JSON object and registers it under locale
func (l *Loader) LoadLocaleJSON(locale string, data []byte) error {
	var tree Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("parse %s locale: %w", locale, err)
	}
	l.LoadLocale(locale, tree)
	return nil
}

// LoadLocaleYAML parses a YAML mapping and registers it under locale
func (l *Loader) LoadLocaleYAML(locale string, data []byte) error {
	var tree Tree
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("parse %s locale: %w", locale, err)
	}
	l.LoadLocale(locale, tree)
	return nil
}

// LoadDir registers every .json, .yaml and .yml file in dir, using the
// file name without extension as the locale
func (l *Loader) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read locales dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		locale := strings.TrimSuffix(name, ext)

		var parse func(string, []byte) error
		switch ext {
		case ".json":
			parse = l.LoadLocaleJSON
		case ".yaml", ".yml":
			parse = l.LoadLocaleYAML
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := parse(locale, data); err != nil {
			return err
		}
		l.logger.Debug("Loaded locale", map[string]interface{}{"locale": locale, "file": name})
	}
	return nil
}

// LoadLocaleFromURL fetches a JSON locale document. Failures are logged
// and returned; previously loaded trees are left untouched.
func (l *Loader) LoadLocaleFromURL(ctx context.Context, locale, url string) error {
	var body []byte
	err := retry.Do(ctx, l.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected status %d", resp.StatusCode)
			if resp.StatusCode < 500 {
				return retry.Permanent(err)
			}
			return err
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err == nil {
		err = l.LoadLocaleJSON(locale, body)
	}
	if err != nil {
		l.logger.Warn("Failed to load locale", map[string]interface{}{
			"locale": locale,
			"url":    url,
			"error":  err.Error(),
		})
		return fmt.Errorf("load locale %s from %s: %w", locale, url, err)
	}
	return nil
}

// SetLocale switches the active locale
func (l *Loader) SetLocale(locale string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locale = locale
}

// Locale returns the active locale
func (l *Loader) Locale() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.locale
}

// HasLocale reports whether a tree is loaded for locale
func (l *Loader) HasLocale(locale string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.translations[locale]
	return ok
}

// AvailableLocales returns the loaded locales in sorted order
func (l *Loader) AvailableLocales() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.translations))
	for locale := range l.translations {
		out = append(out, locale)
	}
	sort.Strings(out)
	return out
}

// T resolves key and interpolates {{name}} placeholders from params.
// Unresolved keys come back unchanged.
func (l *Loader) T(key string, params map[string]any) string {
	return l.TIn(l.Locale(), key, params)
}

// TIn is T against locale instead of the active locale
func (l *Loader) TIn(locale, key string, params map[string]any) string {
	l.mu.RLock()
	tree, ok := l.translations[locale]
	if !ok {
		tree, ok = l.translations[l.fallback]
	}
	l.mu.RUnlock()
	if !ok {
		return key
	}

	var value any = tree
	for _, segment := range strings.Split(key, ".") {
		node, isMap := value.(map[string]any)
		if !isMap {
			return key
		}
		if value, ok = node[segment]; !ok {
			return key
		}
	}

	s, isString := value.(string)
	if !isString {
		return key
	}
	return Interpolate(s, params)
}

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Interpolate replaces {{name}} tokens with params[name]; absent params
// render as the empty string
func Interpolate(template string, params map[string]any) string {
	return placeholder.ReplaceAllStringFunc(template, func(token string) string {
		name := token[2 : len(token)-2]
		v, ok := params[name]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}
