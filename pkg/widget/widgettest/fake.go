// Package widgettest provides in-memory stand-ins for the widget
// capabilities, for tests and the simulator.
package widgettest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/psantana5/turnstile-uxkit/pkg/widget"
)

// ErrNoWidget is returned when a callback is triggered with nothing rendered
var ErrNoWidget = errors.New("widgettest: no widget rendered")

// Widget records calls and lets tests resolve the current challenge
type Widget struct {
	mu      sync.Mutex
	nextID  int
	current string
	opts    map[string]widget.RenderOptions

	Renders []string // container ids, in call order
	Resets  []string
	Removes []string

	// RenderErr and ResetErr make the matching call fail when set
	RenderErr error
	ResetErr  error
}

// NewWidget creates an empty fake widget
func NewWidget() *Widget {
	return &Widget{opts: make(map[string]widget.RenderOptions)}
}

func (w *Widget) Render(container widget.Container, opts widget.RenderOptions) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.RenderErr != nil {
		return "", w.RenderErr
	}
	w.nextID++
	id := fmt.Sprintf("widget-%d", w.nextID)
	w.opts[id] = opts
	w.current = id
	w.Renders = append(w.Renders, container.ID())
	return id, nil
}

func (w *Widget) Reset(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Resets = append(w.Resets, id)
	return w.ResetErr
}

func (w *Widget) Remove(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Removes = append(w.Removes, id)
	delete(w.opts, id)
	if w.current == id {
		w.current = ""
	}
	return nil
}

// SetResetErr changes the error returned by Reset
func (w *Widget) SetResetErr(err error) {
	w.mu.Lock()
	w.ResetErr = err
	w.mu.Unlock()
}

// Current returns the id and options of the live widget
func (w *Widget) Current() (string, widget.RenderOptions, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == "" {
		return "", widget.RenderOptions{}, false
	}
	return w.current, w.opts[w.current], true
}

// ResetCount returns how many times Reset was called
func (w *Widget) ResetCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.Resets)
}

// Solve hands token to the live widget's success callback
func (w *Widget) Solve(token string) error {
	_, opts, ok := w.Current()
	if !ok {
		return ErrNoWidget
	}
	opts.OnToken(token)
	return nil
}

// Fail reports code through the live widget's error callback
func (w *Widget) Fail(code string) error {
	_, opts, ok := w.Current()
	if !ok {
		return ErrNoWidget
	}
	opts.OnError(code)
	return nil
}

// Expire fires the live widget's expired callback
func (w *Widget) Expire() error {
	_, opts, ok := w.Current()
	if !ok {
		return ErrNoWidget
	}
	opts.OnExpired()
	return nil
}

// Unsupported fires the live widget's unsupported callback
func (w *Widget) Unsupported() error {
	_, opts, ok := w.Current()
	if !ok {
		return ErrNoWidget
	}
	opts.OnUnsupported()
	return nil
}

// Container is a fake element
type Container struct {
	mu      sync.Mutex
	id      string
	cleared int
}

func (c *Container) ID() string { return c.id }

func (c *Container) Clear() {
	c.mu.Lock()
	c.cleared++
	c.mu.Unlock()
}

// Cleared returns how many times Clear was called
func (c *Container) Cleared() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared
}

// Document holds fake containers
type Document struct {
	mu         sync.Mutex
	containers map[string]*Container
	theme      widget.Theme
}

// NewDocument creates a document with the given container ids
func NewDocument(ids ...string) *Document {
	d := &Document{containers: make(map[string]*Container)}
	for _, id := range ids {
		d.Add(id)
	}
	return d
}

// Add creates a container
func (d *Document) Add(id string) *Container {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &Container{id: id}
	d.containers[id] = c
	return c
}

// Get returns the fake container for id, or nil
func (d *Document) Get(id string) *Container {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.containers[id]
}

func (d *Document) Container(id string) (widget.Container, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func (d *Document) SetThemeAttribute(theme widget.Theme) {
	d.mu.Lock()
	d.theme = theme
	d.mu.Unlock()
}

// ThemeAttribute returns the last theme set on the document
func (d *Document) ThemeAttribute() widget.Theme {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.theme
}

// Loader is a script loader completed by hand
type Loader struct {
	mu      sync.Mutex
	loaded  bool
	URLs    []string
	pending []func()
}

// NewLoader creates a loader; preloaded mimics a page that already has
// the widget script
func NewLoader(preloaded bool) *Loader {
	return &Loader{loaded: preloaded}
}

func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

func (l *Loader) Load(url string, onLoad func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.URLs = append(l.URLs, url)
	l.pending = append(l.pending, onLoad)
}

// Finish marks the script loaded and runs the pending callbacks
func (l *Loader) Finish() {
	l.mu.Lock()
	l.loaded = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}
