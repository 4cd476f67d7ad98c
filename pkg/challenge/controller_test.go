package challenge

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/turnstile-uxkit/pkg/logging"
	"github.com/psantana5/turnstile-uxkit/pkg/telemetry"
	"github.com/psantana5/turnstile-uxkit/pkg/widget"
	"github.com/psantana5/turnstile-uxkit/pkg/widget/widgettest"
	"github.com/psantana5/turnstile-uxkit/pkg/widgeterr"
)

const containerID = "challenge"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects everything the controller reports to the consumer
type recorder struct {
	mu       sync.Mutex
	events   []telemetry.Event
	tokens   []string
	errs     []widgeterr.Code
	notified []string
	payloads []map[string]any
}

func (r *recorder) hook(ev telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnToken: func(token string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.tokens = append(r.tokens, token)
		},
		OnError: func(code widgeterr.Code) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, code)
		},
		OnEvent: func(name string, payload map[string]any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.notified = append(r.notified, name)
			r.payloads = append(r.payloads, payload)
		},
	}
}

func (r *recorder) kinds() []telemetry.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]telemetry.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func (r *recorder) errors() []widgeterr.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]widgeterr.Code(nil), r.errs...)
}

func (r *recorder) count(kind telemetry.Kind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	ctrl   *Controller
	widget *widgettest.Widget
	doc    *widgettest.Document
	loader *widgettest.Loader
	clock  *fakeClock
	rec    *recorder
	logs   *bytes.Buffer
}

func baseOptions() Options {
	return Options{
		SiteKey:     "1x00000000000000000000AA",
		ContainerID: containerID,
		Telemetry:   true,
	}
}

func newHarness(t *testing.T, opts Options, preloaded bool, tweaks ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		widget: widgettest.NewWidget(),
		doc:    widgettest.NewDocument(containerID),
		loader: widgettest.NewLoader(preloaded),
		clock:  &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		rec:    &recorder{},
		logs:   &bytes.Buffer{},
	}
	logger := logging.NewLogger(logging.DEBUG, false)
	logger.SetOutput(h.logs)

	opts.Callbacks = h.rec.callbacks()
	deps := Deps{
		Widget:       h.widget,
		Document:     h.doc,
		Loader:       h.loader,
		Logger:       logger,
		Clock:        h.clock.Now,
		NewRequestID: func() string { return "req-1" },
		SettleDelay:  time.Millisecond,
	}
	for _, tweak := range tweaks {
		tweak(&deps)
	}
	ctrl, err := Init(opts, deps)
	require.NoError(t, err)
	ctrl.OnTelemetry(h.rec.hook)
	h.ctrl = ctrl
	t.Cleanup(ctrl.Destroy)
	return h
}

// rendered returns a harness whose widget script finished loading
func rendered(t *testing.T, opts Options, tweaks ...func(*Deps)) *harness {
	t.Helper()
	h := newHarness(t, opts, false, tweaks...)
	h.loader.Finish()
	require.Equal(t, StateRendered, h.ctrl.State())
	return h
}

func TestInitRequiresSiteKey(t *testing.T) {
	_, err := Init(Options{ContainerID: "test"}, Deps{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, widgeterr.ErrConfig))
	assert.EqualError(t, err, "siteKey is required")
}

func TestInitRequiresContainerID(t *testing.T) {
	_, err := Init(Options{SiteKey: "test"}, Deps{})
	require.Error(t, err)
	var cfgErr *widgeterr.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "containerId", cfgErr.Field)
}

func TestInitRejectsInvalidOptions(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*Options)
		field string
	}{
		{"theme", func(o *Options) { o.Theme = "sepia" }, "theme"},
		{"size", func(o *Options) { o.Size = "huge" }, "size"},
		{"backoff order", func(o *Options) {
			o.UX.RetryBackoff = Backoff{Min: time.Second, Max: time.Millisecond}
		}, "ux.retryBackoffMs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := baseOptions()
			tt.mut(&opts)
			_, err := Init(opts, Deps{Widget: widgettest.NewWidget(), Document: widgettest.NewDocument(), Loader: widgettest.NewLoader(true)})
			var cfgErr *widgeterr.ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestInitRequiresCapabilities(t *testing.T) {
	_, err := Init(baseOptions(), Deps{Document: widgettest.NewDocument(), Loader: widgettest.NewLoader(true)})
	assert.ErrorIs(t, err, widgeterr.ErrConfig)
}

func TestScriptLoadTriggersRender(t *testing.T) {
	h := newHarness(t, baseOptions(), false)

	assert.Equal(t, StateScriptLoading, h.ctrl.State())
	assert.False(t, h.ctrl.IsReady())
	assert.Equal(t, []string{widget.ScriptURL}, h.loader.URLs)
	assert.Empty(t, h.widget.Renders)

	h.loader.Finish()

	assert.True(t, h.ctrl.IsReady())
	assert.Equal(t, StateRendered, h.ctrl.State())
	assert.Equal(t, []string{containerID}, h.widget.Renders)

	_, opts, ok := h.widget.Current()
	require.True(t, ok)
	assert.Equal(t, widget.ThemeAuto, opts.Theme)
	assert.Equal(t, widget.SizeNormal, opts.Size)
	assert.Equal(t, "en", opts.Language)
}

func TestPreloadedScriptWaitsForRender(t *testing.T) {
	h := newHarness(t, baseOptions(), true)

	assert.Equal(t, StateReady, h.ctrl.State())
	assert.True(t, h.ctrl.IsReady())
	assert.Empty(t, h.loader.URLs)
	assert.Empty(t, h.widget.Renders)

	h.ctrl.Render()
	assert.Equal(t, StateRendered, h.ctrl.State())

	h.ctrl.Render()
	assert.Len(t, h.widget.Renders, 1, "render outside ready is a no-op")
}

func TestRenderShownEvent(t *testing.T) {
	opts := baseOptions()
	opts.Theme = widget.ThemeDark
	opts.Language = "de"
	h := rendered(t, opts)

	require.Equal(t, []telemetry.Kind{telemetry.KindChallengeShown}, h.rec.kinds())
	ev := h.rec.events[0]
	assert.Equal(t, "turnstile", ev.PageType)
	assert.Equal(t, widget.ThemeDark, ev.Theme)
	assert.Equal(t, "de", ev.Locale)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.True(t, ev.Timestamp.Equal(h.clock.Now()))
}

func TestRenderMissingContainer(t *testing.T) {
	h := newHarness(t, baseOptions(), true)
	h.doc = widgettest.NewDocument()
	h.ctrl.deps.Document = h.doc

	require.NotPanics(t, h.ctrl.Render)
	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Empty(t, h.widget.Renders)
	assert.Empty(t, h.rec.kinds())
	assert.Contains(t, h.logs.String(), "Container not found")
}

func TestRenderFailureStaysReady(t *testing.T) {
	h := newHarness(t, baseOptions(), true)
	h.widget.RenderErr = errors.New("widget crashed")

	h.ctrl.Render()
	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Contains(t, h.logs.String(), "Widget render failed")
}

func TestTelemetryDisabled(t *testing.T) {
	opts := baseOptions()
	opts.Telemetry = false
	h := rendered(t, opts)

	require.NoError(t, h.widget.Solve("tok"))
	assert.Empty(t, h.rec.kinds())
	assert.Equal(t, []string{"tok"}, h.rec.tokens)
}

func TestSolvedReportsElapsed(t *testing.T) {
	h := rendered(t, baseOptions())
	h.clock.Advance(2500 * time.Millisecond)

	require.NoError(t, h.widget.Solve("token-abc"))

	assert.Equal(t, StateSolved, h.ctrl.State())
	assert.Equal(t, []string{"token-abc"}, h.rec.tokens)
	require.Equal(t, []telemetry.Kind{telemetry.KindChallengeShown, telemetry.KindChallengeSolved}, h.rec.kinds())
	assert.Equal(t, telemetry.Solved{Elapsed: 2500 * time.Millisecond}, h.rec.events[1].Payload)
}

func TestErrorWithoutAutoRetry(t *testing.T) {
	h := rendered(t, baseOptions())

	require.NoError(t, h.widget.Fail("network-error"))

	assert.Equal(t, StateFailed, h.ctrl.State())
	assert.Equal(t, []widgeterr.Code{widgeterr.CodeNetworkError}, h.rec.errors())
	assert.Equal(t, telemetry.Failed{Code: widgeterr.CodeNetworkError}, h.rec.events[1].Payload)
	assert.Equal(t, 0, h.widget.ResetCount())
}

func TestBlockedEmitsFailedThenBlockedShown(t *testing.T) {
	opts := baseOptions()
	opts.UX.AutoRetry = true
	h := rendered(t, opts)

	require.NoError(t, h.widget.Fail("blocked"))

	assert.Equal(t, []telemetry.Kind{
		telemetry.KindChallengeShown,
		telemetry.KindChallengeFailed,
		telemetry.KindBlockedShown,
	}, h.rec.kinds())
	assert.Equal(t, telemetry.Failed{Code: widgeterr.CodeBlocked}, h.rec.events[1].Payload)
	assert.Equal(t, []widgeterr.Code{widgeterr.CodeBlocked}, h.rec.errors())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.widget.ResetCount(), "blocked is not retryable")
}

func TestExpiredAndUnsupported(t *testing.T) {
	h := rendered(t, baseOptions())

	require.NoError(t, h.widget.Expire())
	assert.Equal(t, StateExpired, h.ctrl.State())

	h.ctrl.Reset()
	assert.Equal(t, StateRendered, h.ctrl.State())
	assert.Equal(t, 1, h.widget.ResetCount())

	require.NoError(t, h.widget.Unsupported())
	assert.Equal(t, StateUnsupported, h.ctrl.State())

	assert.Equal(t, []widgeterr.Code{widgeterr.CodeVerificationExpired, widgeterr.CodeBrowserUnsupported}, h.rec.errors())
	assert.Equal(t, telemetry.Failed{Code: widgeterr.CodeVerificationExpired}, h.rec.events[1].Payload)
	assert.Equal(t, telemetry.Failed{Code: widgeterr.CodeBrowserUnsupported}, h.rec.events[2].Payload)
}

func TestTroubleshootingNotification(t *testing.T) {
	opts := baseOptions()
	opts.UX.ShowTroubleshooting = true
	h := rendered(t, opts)

	require.NoError(t, h.widget.Fail("invalid-sitekey"))

	require.Equal(t, []string{"troubleshooting"}, h.rec.notified)
	assert.Equal(t, map[string]any{
		"code":    "invalid-sitekey",
		"message": "Invalid configuration",
		"action":  "Contact support about this error",
	}, h.rec.payloads[0])
}

func autoRetryOptions() Options {
	opts := baseOptions()
	opts.UX.AutoRetry = true
	opts.UX.RetryBackoff = Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond}
	return opts
}

func TestAutoRetryRecovers(t *testing.T) {
	h := rendered(t, autoRetryOptions())

	require.NoError(t, h.widget.Fail("timeout-error"))

	require.Eventually(t, func() bool { return !h.ctrl.RetryPending() }, time.Second, time.Millisecond)

	assert.Equal(t, 1, h.widget.ResetCount())
	assert.Equal(t, StateRendered, h.ctrl.State())
	assert.Equal(t, 1, h.rec.count(telemetry.KindRetryClicked))
	assert.Equal(t, []widgeterr.Code{widgeterr.CodeTimeoutError}, h.rec.errors(), "no exhaustion report")
}

func settleDelay(d time.Duration) func(*Deps) {
	return func(deps *Deps) { deps.SettleDelay = d }
}

func TestErrorWhileRetrySettlesCountsAsFailedAttempt(t *testing.T) {
	h := rendered(t, autoRetryOptions(), settleDelay(200*time.Millisecond))

	require.NoError(t, h.widget.Fail("network-error"))
	require.Eventually(t, func() bool { return h.widget.ResetCount() == 1 }, time.Second, time.Millisecond)

	// The widget fails again before the first attempt settles
	require.NoError(t, h.widget.Fail("network-error"))
	assert.Equal(t, StateFailed, h.ctrl.State())

	require.Eventually(t, func() bool { return h.widget.ResetCount() == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !h.ctrl.RetryPending() }, 2*time.Second, time.Millisecond)

	assert.Equal(t, StateRendered, h.ctrl.State())
	assert.Equal(t, 2, h.rec.count(telemetry.KindRetryClicked))
	assert.Equal(t, []widgeterr.Code{widgeterr.CodeNetworkError, widgeterr.CodeNetworkError}, h.rec.errors(), "no exhaustion report")
}

func TestRepeatedErrorsDuringRetryExhaustBudget(t *testing.T) {
	h := rendered(t, autoRetryOptions(), settleDelay(100*time.Millisecond))

	require.NoError(t, h.widget.Fail("timeout-error"))
	for resets := 1; resets <= 3; resets++ {
		require.Eventually(t, func() bool { return h.widget.ResetCount() == resets }, 2*time.Second, time.Millisecond)
		require.NoError(t, h.widget.Fail("timeout-error"))
	}

	require.Eventually(t, func() bool { return !h.ctrl.RetryPending() }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateFailed, h.ctrl.State())
	assert.Equal(t, 3, h.widget.ResetCount())
	assert.Equal(t, 3, h.rec.count(telemetry.KindRetryClicked))
	// Four widget errors plus the exhaustion report
	assert.Len(t, h.rec.errors(), 5)
}

func TestNonRetryableErrorDuringRetryStopsIt(t *testing.T) {
	h := rendered(t, autoRetryOptions(), settleDelay(200*time.Millisecond))

	require.NoError(t, h.widget.Fail("network-error"))
	require.Eventually(t, func() bool { return h.widget.ResetCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.widget.Fail("invalid-sitekey"))
	assert.False(t, h.ctrl.RetryPending())

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateFailed, h.ctrl.State())
	assert.Equal(t, 1, h.widget.ResetCount())
	assert.Equal(t, []widgeterr.Code{widgeterr.CodeNetworkError, widgeterr.CodeInvalidSiteKey}, h.rec.errors())
}

func TestAutoRetryExhaustionReportsOriginalCode(t *testing.T) {
	h := rendered(t, autoRetryOptions())
	h.widget.SetResetErr(errors.New("widget gone"))

	require.NoError(t, h.widget.Fail("network-error"))

	require.Eventually(t, func() bool { return len(h.rec.errors()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []widgeterr.Code{widgeterr.CodeNetworkError, widgeterr.CodeNetworkError}, h.rec.errors())
	assert.Equal(t, 3, h.widget.ResetCount())
	assert.Equal(t, 3, h.rec.count(telemetry.KindRetryClicked))
}

func TestSolvedDuringRetryStopsIt(t *testing.T) {
	opts := autoRetryOptions()
	opts.UX.RetryBackoff = Backoff{Min: time.Hour, Max: time.Hour}
	h := rendered(t, opts)

	require.NoError(t, h.widget.Fail("rate-limit"))
	require.NoError(t, h.widget.Solve("late-token"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.widget.ResetCount())
	assert.Equal(t, []widgeterr.Code{widgeterr.CodeRateLimit}, h.rec.errors())
	assert.Equal(t, []string{"late-token"}, h.rec.tokens)
}

func TestDestroyCancelsPendingRetry(t *testing.T) {
	opts := autoRetryOptions()
	opts.UX.RetryBackoff = Backoff{Min: time.Hour, Max: time.Hour}
	h := rendered(t, opts)
	id, _, _ := h.widget.Current()

	require.NoError(t, h.widget.Fail("network-error"))
	require.True(t, h.ctrl.RetryPending())
	h.ctrl.Destroy()
	assert.False(t, h.ctrl.RetryPending())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDestroyed, h.ctrl.State())
	assert.False(t, h.ctrl.IsReady())
	assert.Equal(t, 0, h.widget.ResetCount())
	assert.Equal(t, []widgeterr.Code{widgeterr.CodeNetworkError}, h.rec.errors())
	assert.Equal(t, []string{id}, h.widget.Removes)
	assert.Equal(t, 1, h.doc.Get(containerID).Cleared())
	assert.Equal(t, 0, h.ctrl.Telemetry().Len())
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := rendered(t, baseOptions())

	h.ctrl.Destroy()
	h.ctrl.Destroy()

	assert.Len(t, h.widget.Removes, 1)
	assert.Equal(t, 1, h.doc.Get(containerID).Cleared())
}

func TestDestroyBeforeScriptLoad(t *testing.T) {
	h := newHarness(t, baseOptions(), false)
	h.ctrl.Destroy()
	h.loader.Finish()

	assert.Equal(t, StateDestroyed, h.ctrl.State())
	assert.Empty(t, h.widget.Renders)
}

func TestCallbacksAfterDestroyIgnored(t *testing.T) {
	h := rendered(t, baseOptions())
	_, opts, _ := h.widget.Current()
	h.ctrl.Destroy()

	opts.OnToken("stale")
	opts.OnError("network-error")

	assert.Empty(t, h.rec.tokens)
	assert.Empty(t, h.rec.errors())
}

func TestSetThemeRerenders(t *testing.T) {
	h := rendered(t, baseOptions())
	oldID, _, _ := h.widget.Current()

	h.ctrl.SetTheme(widget.ThemeDark)

	assert.Equal(t, StateRendered, h.ctrl.State())
	assert.Equal(t, []string{oldID}, h.widget.Removes)
	assert.Len(t, h.widget.Renders, 2)
	_, opts, _ := h.widget.Current()
	assert.Equal(t, widget.ThemeDark, opts.Theme)
	assert.Equal(t, widget.ThemeDark, h.doc.ThemeAttribute())

	assert.Equal(t, []string{"theme_changed"}, h.rec.notified)
	assert.Equal(t, map[string]any{"old": "auto", "new": "dark"}, h.rec.payloads[0])
	assert.Equal(t, []telemetry.Kind{
		telemetry.KindChallengeShown,
		telemetry.KindThemeChanged,
		telemetry.KindChallengeShown,
	}, h.rec.kinds(), "hooks survive the switch")
	assert.Equal(t, widget.ThemeDark, h.ctrl.Options().Theme)
}

func TestSetThemeRejectsUnknown(t *testing.T) {
	h := rendered(t, baseOptions())
	h.ctrl.SetTheme("sepia")

	assert.Len(t, h.widget.Renders, 1)
	assert.Empty(t, h.rec.notified)
	assert.Equal(t, widget.ThemeAuto, h.ctrl.Options().Theme)
}

func TestSetLanguageRerenders(t *testing.T) {
	h := rendered(t, baseOptions())

	h.ctrl.SetLanguage("fr")

	_, opts, _ := h.widget.Current()
	assert.Equal(t, "fr", opts.Language)
	assert.Equal(t, map[string]any{"old": "en", "new": "fr"}, h.rec.payloads[0])
	require.Len(t, h.rec.events, 3)
	assert.Equal(t, telemetry.LanguageChanged{Old: "en", New: "fr"}, h.rec.events[1].Payload)
	assert.Equal(t, "fr", h.rec.events[2].Locale)
}

func TestSetLanguageWhileLoading(t *testing.T) {
	h := newHarness(t, baseOptions(), false)
	h.ctrl.SetLanguage("es")
	assert.Empty(t, h.widget.Renders)

	h.loader.Finish()
	_, opts, ok := h.widget.Current()
	require.True(t, ok)
	assert.Equal(t, "es", opts.Language)
}

func TestSetAfterDestroyIsNoop(t *testing.T) {
	h := rendered(t, baseOptions())
	h.ctrl.Destroy()

	h.ctrl.SetLanguage("fr")
	h.ctrl.SetTheme(widget.ThemeLight)

	assert.Empty(t, h.rec.notified)
	assert.Len(t, h.widget.Renders, 1)
}

func TestStaleCallbackAfterThemeSwitch(t *testing.T) {
	h := rendered(t, baseOptions())
	_, oldOpts, _ := h.widget.Current()

	h.ctrl.SetTheme(widget.ThemeLight)
	oldOpts.OnToken("from-old-widget")

	assert.Empty(t, h.rec.tokens)
	assert.Equal(t, StateRendered, h.ctrl.State())
}
