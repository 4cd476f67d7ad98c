// Package widget defines the capabilities the SDK consumes from its host:
// the hosted challenge widget, the document it renders into, and the
// loader that fetches the widget script.
//
// Nothing here is implemented by the SDK itself. A browser host binds
// these to the Turnstile global and the DOM; tests and the simulator use
// the fakes in widgettest.
package widget

import "fmt"

// ScriptURL is where the challenge widget script is loaded from
const ScriptURL = "https://challenges.cloudflare.com/turnstile/v0/api.js"

// Theme selects the widget color scheme
type Theme string

const (
	ThemeAuto  Theme = "auto"
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// ParseTheme validates a theme name. Empty means auto.
func ParseTheme(s string) (Theme, error) {
	switch Theme(s) {
	case "":
		return ThemeAuto, nil
	case ThemeAuto, ThemeLight, ThemeDark:
		return Theme(s), nil
	}
	return "", fmt.Errorf("unknown theme %q", s)
}

// Size selects the widget footprint
type Size string

const (
	SizeNormal   Size = "normal"
	SizeCompact  Size = "compact"
	SizeFlexible Size = "flexible"
)

// ParseSize validates a size name. Empty means normal.
func ParseSize(s string) (Size, error) {
	switch Size(s) {
	case "":
		return SizeNormal, nil
	case SizeNormal, SizeCompact, SizeFlexible:
		return Size(s), nil
	}
	return "", fmt.Errorf("unknown size %q", s)
}

// RenderOptions is what the SDK hands to Widget.Render. The callbacks are
// invoked by the widget when the challenge resolves.
type RenderOptions struct {
	SiteKey  string
	Theme    Theme
	Size     Size
	Language string

	OnToken       func(token string)
	OnError       func(code string)
	OnExpired     func()
	OnUnsupported func()
}

// Widget is the hosted challenge widget
type Widget interface {
	// Render mounts a widget in container and returns its id
	Render(container Container, opts RenderOptions) (string, error)
	Reset(id string) error
	Remove(id string) error
}

// Container is the element a widget renders into
type Container interface {
	ID() string
	// Clear drops whatever content the container holds
	Clear()
}

// Document resolves containers and carries document-wide attributes
type Document interface {
	Container(id string) (Container, bool)
	SetThemeAttribute(theme Theme)
}

// ScriptLoader injects the widget script into the host page
type ScriptLoader interface {
	// Loaded reports whether the widget is already available
	Loaded() bool
	// Load starts fetching url and calls onLoad once it is available
	Load(url string, onLoad func())
}
