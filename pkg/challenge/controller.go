// Package challenge drives the lifecycle of one hosted challenge widget:
// script load, render, outcome callbacks, automatic retry, theme and
// language switches, and teardown.
package challenge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/turnstile-uxkit/internal/observe"
	"github.com/psantana5/turnstile-uxkit/pkg/logging"
	"github.com/psantana5/turnstile-uxkit/pkg/retry"
	"github.com/psantana5/turnstile-uxkit/pkg/telemetry"
	"github.com/psantana5/turnstile-uxkit/pkg/widget"
	"github.com/psantana5/turnstile-uxkit/pkg/widgeterr"
)

// defaultSettleDelay is how long a retry waits after resetting the widget
const defaultSettleDelay = 100 * time.Millisecond

// Deps are the host capabilities a Controller runs against
type Deps struct {
	Widget   widget.Widget
	Document widget.Document
	Loader   widget.ScriptLoader
	Logger   *logging.Logger

	// Optional
	Clock        func() time.Time
	NewRequestID func() string
	SettleDelay  time.Duration
}

// Controller is a state machine over one widget instance.
//
// Widget callbacks, consumer callbacks and telemetry hooks run without the
// controller lock held, so any of them may call back into the Controller.
type Controller struct {
	mu    sync.Mutex
	opts  Options
	deps  Deps
	state State

	widgetID  string
	container widget.Container
	timing    *observe.Timing
	requestID string

	// renderGen changes whenever the mounted widget goes away; callbacks
	// from an older widget are dropped
	renderGen uint64

	retry    *retry.Handler
	retryGen uint64
	retrying bool
	// missed is a retryable code that arrived while a retry was running
	missed    widgeterr.Code
	ctx       context.Context
	cancelCtx context.CancelFunc

	telemetry *telemetry.Manager
	logger    *logging.Logger
}

// Init validates opts, wires the capabilities and starts loading the
// widget script. Only configuration problems are returned as errors.
func Init(opts Options, deps Deps) (*Controller, error) {
	opts, err := opts.validate()
	if err != nil {
		return nil, err
	}
	switch {
	case deps.Widget == nil:
		return nil, &widgeterr.ConfigError{Field: "widget"}
	case deps.Document == nil:
		return nil, &widgeterr.ConfigError{Field: "document"}
	case deps.Loader == nil:
		return nil, &widgeterr.ConfigError{Field: "loader"}
	}

	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewRequestID == nil {
		deps.NewRequestID = uuid.NewString
	}
	if deps.SettleDelay <= 0 {
		deps.SettleDelay = defaultSettleDelay
	}

	c := &Controller{
		opts:   opts,
		deps:   deps,
		state:  StateUninitialized,
		logger: deps.Logger.Component("challenge").WithField("container_id", opts.ContainerID),
	}
	c.telemetry = telemetry.NewManager(opts.Telemetry,
		telemetry.WithLogger(deps.Logger),
		telemetry.WithClock(deps.Clock),
	)
	if opts.UX.AutoRetry {
		c.retry = retry.NewHandler(opts.retryOptions())
	}
	c.ctx, c.cancelCtx = context.WithCancel(context.Background())

	c.loadScript()
	return c, nil
}

func (c *Controller) loadScript() {
	if c.deps.Loader.Loaded() {
		c.mu.Lock()
		c.transitionLocked(StateReady)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.transitionLocked(StateScriptLoading)
	c.mu.Unlock()

	c.logger.Debug("Loading widget script", map[string]interface{}{"url": widget.ScriptURL})
	c.deps.Loader.Load(widget.ScriptURL, c.onScriptLoaded)
}

func (c *Controller) onScriptLoaded() {
	c.mu.Lock()
	if c.state != StateScriptLoading {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateReady)
	c.mu.Unlock()

	c.Render()
}

// transitionLocked moves to state to, logging and refusing invalid moves
func (c *Controller) transitionLocked(to State) bool {
	if err := ValidateTransition(c.state, to); err != nil {
		c.logger.Warn("Ignoring state change", map[string]interface{}{"error": err.Error()})
		return false
	}
	c.state = to
	return true
}

// eventLocked builds an event with the current context
func (c *Controller) eventLocked(p telemetry.Payload) telemetry.Event {
	return telemetry.Event{
		Context: telemetry.Context{
			PageType:  c.opts.PageType,
			Theme:     c.opts.Theme,
			Locale:    c.opts.Language,
			RequestID: c.requestID,
		},
		Payload: p,
	}
}

// Render mounts the widget. It does nothing unless the controller is
// ready; a missing container is logged and leaves the state unchanged.
func (c *Controller) Render() {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	container, ok := c.deps.Document.Container(c.opts.ContainerID)
	if !ok {
		c.mu.Unlock()
		c.logger.Error("Container not found")
		return
	}

	c.transitionLocked(StateRendered)
	c.renderGen++
	gen := c.renderGen
	c.container = container
	c.timing = observe.NewTiming(c.deps.Clock)
	c.requestID = c.deps.NewRequestID()
	ev := c.eventLocked(telemetry.Shown{})
	renderOpts := widget.RenderOptions{
		SiteKey:       c.opts.SiteKey,
		Theme:         c.opts.Theme,
		Size:          c.opts.Size,
		Language:      c.opts.Language,
		OnToken:       func(token string) { c.handleSuccess(gen, token) },
		OnError:       func(code string) { c.handleError(gen, widgeterr.Code(code)) },
		OnExpired:     func() { c.handleFailure(gen, StateExpired, widgeterr.CodeVerificationExpired) },
		OnUnsupported: func() { c.handleFailure(gen, StateUnsupported, widgeterr.CodeBrowserUnsupported) },
	}
	c.mu.Unlock()

	c.telemetry.Emit(ev)

	id, err := c.deps.Widget.Render(container, renderOpts)

	c.mu.Lock()
	if c.renderGen != gen {
		// Torn down while the widget was mounting
		c.mu.Unlock()
		if err == nil {
			c.removeWidget(id)
		}
		return
	}
	if err != nil {
		c.renderGen++
		c.container = nil
		c.transitionLocked(StateReady)
		c.mu.Unlock()
		c.logger.Error("Widget render failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c.widgetID = id
	c.mu.Unlock()

	c.logger.Debug("Widget rendered", map[string]interface{}{"widget_id": id})
}

// liveLocked reports whether a callback from render generation gen still
// belongs to the mounted widget
func (c *Controller) liveLocked(gen uint64) bool {
	return gen == c.renderGen && hasWidget(c.state)
}

func (c *Controller) handleSuccess(gen uint64, token string) {
	c.mu.Lock()
	if !c.liveLocked(gen) || !c.transitionLocked(StateSolved) {
		c.mu.Unlock()
		return
	}
	elapsed := c.timing.Complete()
	ev := c.eventLocked(telemetry.Solved{Elapsed: elapsed})
	onToken := c.opts.Callbacks.OnToken
	c.stopRetryLocked()
	c.mu.Unlock()

	c.telemetry.Emit(ev)
	if onToken != nil {
		onToken(token)
	}
}

func (c *Controller) handleError(gen uint64, code widgeterr.Code) {
	c.mu.Lock()
	if !c.liveLocked(gen) || !c.transitionLocked(StateFailed) {
		c.mu.Unlock()
		return
	}

	evs := []telemetry.Event{c.eventLocked(telemetry.Failed{Code: code})}
	if code == widgeterr.CodeBlocked {
		evs = append(evs, c.eventLocked(telemetry.BlockedShown{Code: code}))
	}
	cb := c.opts.Callbacks
	troubleshoot := c.opts.UX.ShowTroubleshooting

	retryable := c.retry != nil && widgeterr.IsRetryable(code)
	startRetry := retryable && !c.retrying
	var retryGen uint64
	switch {
	case startRetry:
		c.retrying = true
		c.retryGen++
		retryGen = c.retryGen
	case retryable:
		// The running retry counts this as a failed attempt
		c.missed = code
	case c.retrying:
		c.stopRetryLocked()
	}
	c.mu.Unlock()

	for _, ev := range evs {
		c.telemetry.Emit(ev)
	}
	if cb.OnError != nil {
		cb.OnError(code)
	}
	if troubleshoot && cb.OnEvent != nil {
		display := widgeterr.Lookup(code)
		cb.OnEvent("troubleshooting", map[string]any{
			"code":    string(code),
			"message": display.Message,
			"action":  display.Action,
		})
	}

	if startRetry {
		go c.retryWithBackoff(retryGen, code)
	}
}

// handleFailure covers the expired and unsupported callbacks
func (c *Controller) handleFailure(gen uint64, to State, code widgeterr.Code) {
	c.mu.Lock()
	if !c.liveLocked(gen) || !c.transitionLocked(to) {
		c.mu.Unlock()
		return
	}
	ev := c.eventLocked(telemetry.Failed{Code: code})
	onError := c.opts.Callbacks.OnError
	c.mu.Unlock()

	c.telemetry.Emit(ev)
	if onError != nil {
		onError(code)
	}
}

// retryWithBackoff resets the widget through the retry handler. When the
// budget runs out the consumer hears about the original code once more.
func (c *Controller) retryWithBackoff(gen uint64, code widgeterr.Code) {
	attempt := 0
	ok := c.retry.Retry(c.ctx, func(ctx context.Context) error {
		c.mu.Lock()
		if c.retryGen != gen {
			c.mu.Unlock()
			return context.Canceled
		}
		attempt++
		c.missed = ""
		ev := c.eventLocked(telemetry.RetryClicked{Attempt: attempt})
		c.mu.Unlock()

		c.telemetry.Emit(ev)
		c.logger.Info("Retrying challenge", map[string]interface{}{
			"code":    string(code),
			"attempt": attempt,
		})
		if err := c.resetWidget(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.deps.SettleDelay):
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.retryGen != gen {
			return context.Canceled
		}
		if c.missed != "" {
			return &attemptError{code: c.missed}
		}
		return nil
	})

	c.mu.Lock()
	current := c.retryGen == gen
	onError := c.opts.Callbacks.OnError
	c.mu.Unlock()

	if !ok && current {
		c.logger.Warn("Retries exhausted", map[string]interface{}{"code": string(code)})
		if onError != nil {
			onError(code)
		}
	}

	// RetryPending stays true through the exhaustion report
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryGen != gen {
		return
	}
	missed := c.missed
	c.missed = ""
	if ok && missed != "" && c.state == StateFailed {
		// An error landed after the last attempt settled
		c.retryGen++
		go c.retryWithBackoff(c.retryGen, missed)
		return
	}
	c.retrying = false
}

// attemptError fails a retry attempt whose widget reported another error
type attemptError struct {
	code widgeterr.Code
}

func (e *attemptError) Error() string {
	return "widget failed again during retry: " + string(e.code)
}

// stopRetryLocked abandons an in-flight retry without reporting it
func (c *Controller) stopRetryLocked() {
	if !c.retrying {
		return
	}
	c.retryGen++
	c.retrying = false
	c.missed = ""
	c.retry.Cancel()
}

// resetWidget resets the mounted widget and reopens the attempt
func (c *Controller) resetWidget() error {
	c.mu.Lock()
	id := c.widgetID
	if id == "" {
		c.mu.Unlock()
		return nil
	}
	if IsAttemptOutcome(c.state) {
		c.transitionLocked(StateRendered)
		c.timing = observe.NewTiming(c.deps.Clock)
	}
	c.mu.Unlock()

	return c.deps.Widget.Reset(id)
}

// Reset resets the mounted widget, if any
func (c *Controller) Reset() {
	if err := c.resetWidget(); err != nil {
		c.logger.Error("Widget reset failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Controller) removeWidget(id string) {
	if err := c.deps.Widget.Remove(id); err != nil {
		c.logger.Warn("Widget remove failed", map[string]interface{}{
			"widget_id": id,
			"error":     err.Error(),
		})
	}
}

// unmountLocked detaches the widget and container and stops any retry.
// The caller removes the returned widget and clears the container.
func (c *Controller) unmountLocked() (string, widget.Container) {
	id, container := c.widgetID, c.container
	c.widgetID = ""
	c.container = nil
	c.renderGen++
	if c.retry != nil {
		c.stopRetryLocked()
	}
	return id, container
}

func (c *Controller) release(id string, container widget.Container) {
	if id != "" {
		c.removeWidget(id)
	}
	if container != nil {
		container.Clear()
	}
}

// teardown drops the mounted widget but keeps the controller usable
func (c *Controller) teardown() {
	c.mu.Lock()
	if !hasWidget(c.state) {
		c.mu.Unlock()
		return
	}
	id, container := c.unmountLocked()
	c.transitionLocked(StateReady)
	c.mu.Unlock()

	c.release(id, container)
}

// Destroy removes the widget, clears the container, cancels any retry and
// detaches all telemetry hooks. Calling it again does nothing.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	id, container := c.unmountLocked()
	c.transitionLocked(StateDestroyed)
	c.mu.Unlock()

	c.cancelCtx()
	c.release(id, container)
	c.telemetry.ClearHooks()
	c.logger.Debug("Controller destroyed")
}

// SetLanguage switches the widget language and renders it again
func (c *Controller) SetLanguage(lang string) {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	old := c.opts.Language
	c.opts.Language = lang
	ev := c.eventLocked(telemetry.LanguageChanged{Old: old, New: lang})
	onEvent := c.opts.Callbacks.OnEvent
	c.mu.Unlock()

	c.telemetry.Emit(ev)
	if onEvent != nil {
		onEvent(string(telemetry.KindLanguageChanged), map[string]any{"old": old, "new": lang})
	}

	c.teardown()
	c.Render()
}

// SetTheme switches the widget theme and renders it again. Unknown themes
// are logged and ignored.
func (c *Controller) SetTheme(theme widget.Theme) {
	parsed, err := widget.ParseTheme(string(theme))
	if err != nil {
		c.logger.Warn("Ignoring theme change", map[string]interface{}{"error": err.Error()})
		return
	}

	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	old := c.opts.Theme
	c.opts.Theme = parsed
	ev := c.eventLocked(telemetry.ThemeChanged{Old: old, New: parsed})
	onEvent := c.opts.Callbacks.OnEvent
	c.mu.Unlock()

	c.telemetry.Emit(ev)
	if onEvent != nil {
		onEvent(string(telemetry.KindThemeChanged), map[string]any{"old": string(old), "new": string(parsed)})
	}
	c.deps.Document.SetThemeAttribute(parsed)

	c.teardown()
	c.Render()
}

// IsReady reports whether the widget script is available and the
// controller has not been destroyed
func (c *Controller) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateUninitialized, StateScriptLoading, StateDestroyed:
		return false
	}
	return true
}

// RetryPending reports whether an automatic retry is still running
func (c *Controller) RetryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retrying
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Options returns a copy of the effective options
func (c *Controller) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// OnTelemetry registers a telemetry hook
func (c *Controller) OnTelemetry(hook telemetry.Hook) telemetry.HookID {
	return c.telemetry.AddHook(hook)
}

// Telemetry exposes the controller's telemetry manager
func (c *Controller) Telemetry() *telemetry.Manager {
	return c.telemetry
}
