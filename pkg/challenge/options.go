package challenge

import (
	"time"

	"github.com/psantana5/turnstile-uxkit/pkg/retry"
	"github.com/psantana5/turnstile-uxkit/pkg/widget"
	"github.com/psantana5/turnstile-uxkit/pkg/widgeterr"
)

const (
	defaultLanguage = "en"
	defaultPageType = "turnstile"
)

// Callbacks are the consumer's hooks into the challenge outcome
type Callbacks struct {
	OnToken func(token string)
	OnError func(code widgeterr.Code)
	// OnEvent receives theme_changed, language_changed and troubleshooting
	// notifications
	OnEvent func(name string, payload map[string]any)
}

// Backoff bounds the automatic retry delays
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// UX toggles SDK-side behavior around the widget
type UX struct {
	AutoRetry           bool
	RetryBackoff        Backoff
	ShowTroubleshooting bool
}

// Options configures a Controller
type Options struct {
	SiteKey     string
	ContainerID string
	Theme       widget.Theme
	Size        widget.Size
	Language    string
	PageType    string
	Callbacks   Callbacks
	UX          UX
	Telemetry   bool
}

// validate fills defaults and rejects unusable options
func (o Options) validate() (Options, error) {
	if o.SiteKey == "" {
		return o, &widgeterr.ConfigError{Field: "siteKey"}
	}
	if o.ContainerID == "" {
		return o, &widgeterr.ConfigError{Field: "containerId"}
	}

	theme, err := widget.ParseTheme(string(o.Theme))
	if err != nil {
		return o, &widgeterr.ConfigError{Field: "theme", Reason: "must be auto, light or dark"}
	}
	o.Theme = theme

	size, err := widget.ParseSize(string(o.Size))
	if err != nil {
		return o, &widgeterr.ConfigError{Field: "size", Reason: "must be normal, compact or flexible"}
	}
	o.Size = size

	if o.Language == "" {
		o.Language = defaultLanguage
	}
	if o.PageType == "" {
		o.PageType = defaultPageType
	}

	b := &o.UX.RetryBackoff
	if b.Min < 0 || b.Max < 0 {
		return o, &widgeterr.ConfigError{Field: "ux.retryBackoffMs", Reason: "must not be negative"}
	}
	defaults := retry.DefaultOptions()
	if b.Min == 0 {
		b.Min = defaults.Min
	}
	if b.Max == 0 {
		b.Max = defaults.Max
	}
	if b.Max < b.Min {
		return o, &widgeterr.ConfigError{Field: "ux.retryBackoffMs", Reason: "max must not be below min"}
	}
	return o, nil
}

func (o Options) retryOptions() retry.Options {
	return retry.Options{
		Min:         o.UX.RetryBackoff.Min,
		Max:         o.UX.RetryBackoff.Max,
		MaxAttempts: retry.DefaultMaxAttempts,
	}
}
