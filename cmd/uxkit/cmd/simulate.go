package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/turnstile-uxkit/pkg/challenge"
	"github.com/psantana5/turnstile-uxkit/pkg/logging"
	"github.com/psantana5/turnstile-uxkit/pkg/metrics"
	"github.com/psantana5/turnstile-uxkit/pkg/telemetry"
	"github.com/psantana5/turnstile-uxkit/pkg/widget"
	"github.com/psantana5/turnstile-uxkit/pkg/widget/widgettest"
	"github.com/psantana5/turnstile-uxkit/pkg/widgeterr"
)

const retryWaitLimit = 30 * time.Second

var simCfg simulateConfig

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scripted challenge session against an in-memory widget",
	Long: `Drive a challenge controller through a comma-separated list of widget
outcomes and print every telemetry event as a JSON line, then a summary and the
resulting Prometheus metrics.

Outcomes:
  token[:value]   solve the challenge
  expire          expire the challenge
  unsupported     report an unsupported browser
  reset           reset the widget
  theme:<name>    switch theme (auto, light, dark)
  lang:<tag>      switch language
  reset-error     make later widget resets fail
  reset-ok        make later widget resets succeed
  <code>          any other value is reported as a widget error code`,
	Example: `  uxkit simulate --outcomes network-error,network-error,token --auto-retry`,
	RunE: func(cmd *cobra.Command, args []string) error {
		simCfg.Logger = newLogger()
		out := cmd.OutOrStdout()
		summary, exporter, err := runSimulation(out, simCfg)
		if err != nil {
			return err
		}
		if err := printSummary(out, summary); err != nil {
			return err
		}
		if simCfg.PrintMetrics {
			fmt.Fprintln(out)
			return exporter.WriteText(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.StringVar(&simCfg.Outcomes, "outcomes", "token", "comma-separated outcome script")
	f.StringVar(&simCfg.PageType, "page-type", "turnstile", "page type reported in telemetry")
	f.StringVar(&simCfg.Theme, "theme", "auto", "initial theme")
	f.StringVar(&simCfg.Language, "language", "en", "initial widget language")
	f.BoolVar(&simCfg.AutoRetry, "auto-retry", false, "retry retryable errors automatically")
	f.BoolVar(&simCfg.Troubleshooting, "troubleshooting", false, "emit troubleshooting notifications")
	f.DurationVar(&simCfg.BackoffMin, "backoff-min", 50*time.Millisecond, "first retry delay")
	f.DurationVar(&simCfg.BackoffMax, "backoff-max", 200*time.Millisecond, "retry delay cap")
	f.BoolVar(&simCfg.PrintMetrics, "metrics", true, "print Prometheus metrics at the end")
}

type simulateConfig struct {
	Outcomes        string
	PageType        string
	Theme           string
	Language        string
	AutoRetry       bool
	Troubleshooting bool
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	PrintMetrics    bool
	Logger          *logging.Logger
}

type simulateSummary struct {
	State         challenge.State  `json:"state" yaml:"state"`
	Steps         int              `json:"steps" yaml:"steps"`
	Renders       int              `json:"renders" yaml:"renders"`
	WidgetResets  int              `json:"widget_resets" yaml:"widget_resets"`
	Tokens        []string         `json:"tokens" yaml:"tokens"`
	Errors        []widgeterr.Code `json:"errors" yaml:"errors"`
	Notifications []string         `json:"notifications" yaml:"notifications"`
}

// consumer records what the embedding page would see
type consumer struct {
	mu            sync.Mutex
	tokens        []string
	errors        []widgeterr.Code
	notifications []string
}

func (c *consumer) callbacks() challenge.Callbacks {
	return challenge.Callbacks{
		OnToken: func(token string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.tokens = append(c.tokens, token)
		},
		OnError: func(code widgeterr.Code) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.errors = append(c.errors, code)
		},
		OnEvent: func(name string, payload map[string]any) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.notifications = append(c.notifications, name)
		},
	}
}

// runSimulation writes telemetry JSON lines to w and returns the session
// summary along with the exporter fed by the same events
func runSimulation(w io.Writer, cfg simulateConfig) (simulateSummary, *metrics.Exporter, error) {
	steps, err := parseOutcomes(cfg.Outcomes)
	if err != nil {
		return simulateSummary{}, nil, err
	}

	fake := widgettest.NewWidget()
	loader := widgettest.NewLoader(false)
	c := &consumer{}

	ctrl, err := challenge.Init(challenge.Options{
		SiteKey:     "1x00000000000000000000AA",
		ContainerID: "challenge",
		Theme:       widget.Theme(cfg.Theme),
		Language:    cfg.Language,
		PageType:    cfg.PageType,
		Callbacks:   c.callbacks(),
		UX: challenge.UX{
			AutoRetry:           cfg.AutoRetry,
			RetryBackoff:        challenge.Backoff{Min: cfg.BackoffMin, Max: cfg.BackoffMax},
			ShowTroubleshooting: cfg.Troubleshooting,
		},
		Telemetry: true,
	}, challenge.Deps{
		Widget:      fake,
		Document:    widgettest.NewDocument("challenge"),
		Loader:      loader,
		Logger:      cfg.Logger,
		SettleDelay: 10 * time.Millisecond,
	})
	if err != nil {
		return simulateSummary{}, nil, err
	}
	defer ctrl.Destroy()

	exporter := metrics.NewExporter()
	ctrl.OnTelemetry(exporter.Hook())
	ctrl.OnTelemetry(telemetry.JSONHook(w, cfg.Logger))

	loader.Finish()

	for i, step := range steps {
		if err := step.apply(ctrl, fake); err != nil {
			return simulateSummary{}, nil, fmt.Errorf("step %d (%s): %w", i+1, step.raw, err)
		}
		if err := waitForRetry(ctrl, retryWaitLimit); err != nil {
			return simulateSummary{}, nil, fmt.Errorf("step %d (%s): %w", i+1, step.raw, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return simulateSummary{
		State:         ctrl.State(),
		Steps:         len(steps),
		Renders:       len(fake.Renders),
		WidgetResets:  fake.ResetCount(),
		Tokens:        append([]string{}, c.tokens...),
		Errors:        append([]widgeterr.Code{}, c.errors...),
		Notifications: append([]string{}, c.notifications...),
	}, exporter, nil
}

func waitForRetry(ctrl *challenge.Controller, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	for ctrl.RetryPending() {
		if time.Now().After(deadline) {
			return errors.New("automatic retry did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

type outcome struct {
	raw   string
	apply func(*challenge.Controller, *widgettest.Widget) error
}

func parseOutcomes(script string) ([]outcome, error) {
	var out []outcome
	for _, raw := range strings.Split(script, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, arg, _ := strings.Cut(raw, ":")

		var apply func(*challenge.Controller, *widgettest.Widget) error
		switch name {
		case "token":
			token := arg
			if token == "" {
				token = fmt.Sprintf("token-%d", len(out)+1)
			}
			apply = func(_ *challenge.Controller, w *widgettest.Widget) error { return w.Solve(token) }
		case "expire":
			apply = func(_ *challenge.Controller, w *widgettest.Widget) error { return w.Expire() }
		case "unsupported":
			apply = func(_ *challenge.Controller, w *widgettest.Widget) error { return w.Unsupported() }
		case "reset":
			apply = func(c *challenge.Controller, _ *widgettest.Widget) error { c.Reset(); return nil }
		case "reset-error":
			apply = func(_ *challenge.Controller, w *widgettest.Widget) error {
				w.SetResetErr(errors.New("widget reset failed"))
				return nil
			}
		case "reset-ok":
			apply = func(_ *challenge.Controller, w *widgettest.Widget) error { w.SetResetErr(nil); return nil }
		case "theme":
			theme, err := widget.ParseTheme(arg)
			if err != nil {
				return nil, fmt.Errorf("outcome %q: %w", raw, err)
			}
			apply = func(c *challenge.Controller, _ *widgettest.Widget) error { c.SetTheme(theme); return nil }
		case "lang":
			if arg == "" {
				return nil, fmt.Errorf("outcome %q: missing language", raw)
			}
			apply = func(c *challenge.Controller, _ *widgettest.Widget) error { c.SetLanguage(arg); return nil }
		default:
			code := raw
			apply = func(_ *challenge.Controller, w *widgettest.Widget) error { return w.Fail(code) }
		}
		out = append(out, outcome{raw: raw, apply: apply})
	}
	if len(out) == 0 {
		return nil, errors.New("no outcomes given")
	}
	return out, nil
}

func printSummary(w io.Writer, s simulateSummary) error {
	if done, err := printStructured(w, s); done {
		return err
	}

	codes := make([]string, len(s.Errors))
	for i, code := range s.Errors {
		codes[i] = string(code)
	}

	fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.Header("Property", "Value")
	table.Append([]string{"Final state", string(s.State)})
	table.Append([]string{"Steps", strconv.Itoa(s.Steps)})
	table.Append([]string{"Renders", strconv.Itoa(s.Renders)})
	table.Append([]string{"Widget resets", strconv.Itoa(s.WidgetResets)})
	table.Append([]string{"Tokens", strings.Join(s.Tokens, ", ")})
	table.Append([]string{"Errors", strings.Join(codes, ", ")})
	table.Append([]string{"Notifications", strings.Join(s.Notifications, ", ")})
	table.Render()
	return nil
}
