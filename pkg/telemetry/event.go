package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/psantana5/turnstile-uxkit/pkg/widget"
	"github.com/psantana5/turnstile-uxkit/pkg/widgeterr"
)

// Kind names an event on the wire
type Kind string

const (
	KindChallengeShown  Kind = "challenge_shown"
	KindChallengeSolved Kind = "challenge_solved"
	KindChallengeFailed Kind = "challenge_failed"
	KindBlockedShown    Kind = "blocked_shown"
	KindRetryClicked    Kind = "retry_clicked"
	KindThemeChanged    Kind = "theme_changed"
	KindLanguageChanged Kind = "language_changed"
)

// Kinds lists every event kind
func Kinds() []Kind {
	return []Kind{
		KindChallengeShown,
		KindChallengeSolved,
		KindChallengeFailed,
		KindBlockedShown,
		KindRetryClicked,
		KindThemeChanged,
		KindLanguageChanged,
	}
}

// Context is carried by every event
type Context struct {
	Timestamp time.Time
	PageType  string
	Theme     widget.Theme
	Locale    string
	RequestID string
}

// Payload is the kind-specific part of an event. The set of payloads is
// closed; only the types in this package implement it.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Shown is emitted when a widget is rendered
type Shown struct{}

// Solved is emitted when the widget hands out a token
type Solved struct {
	Elapsed time.Duration
}

// Failed is emitted on widget errors, expiry and unsupported browsers
type Failed struct {
	Code widgeterr.Code
}

// BlockedShown is emitted instead of Failed when the visitor is blocked
type BlockedShown struct {
	Code widgeterr.Code
}

// RetryClicked is emitted for each automatic retry attempt
type RetryClicked struct {
	Attempt int
}

// ThemeChanged is emitted by SetTheme
type ThemeChanged struct {
	Old, New widget.Theme
}

// LanguageChanged is emitted by SetLanguage
type LanguageChanged struct {
	Old, New string
}

func (Shown) Kind() Kind           { return KindChallengeShown }
func (Solved) Kind() Kind          { return KindChallengeSolved }
func (Failed) Kind() Kind          { return KindChallengeFailed }
func (BlockedShown) Kind() Kind    { return KindBlockedShown }
func (RetryClicked) Kind() Kind    { return KindRetryClicked }
func (ThemeChanged) Kind() Kind    { return KindThemeChanged }
func (LanguageChanged) Kind() Kind { return KindLanguageChanged }

func (Shown) isPayload()           {}
func (Solved) isPayload()          {}
func (Failed) isPayload()          {}
func (BlockedShown) isPayload()    {}
func (RetryClicked) isPayload()    {}
func (ThemeChanged) isPayload()    {}
func (LanguageChanged) isPayload() {}

// Event is one telemetry record
type Event struct {
	Context
	Payload Payload
}

// Kind returns the payload kind
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// ErrorCode returns the error code of Failed and BlockedShown events
func (e Event) ErrorCode() (widgeterr.Code, bool) {
	switch p := e.Payload.(type) {
	case Failed:
		return p.Code, true
	case BlockedShown:
		return p.Code, true
	}
	return "", false
}

// wireEvent is the flat JSON form shared with browser beacons
type wireEvent struct {
	Event     Kind   `json:"event"`
	Timestamp int64  `json:"timestamp"`
	PageType  string `json:"page_type"`
	Theme     string `json:"theme"`
	Locale    string `json:"locale"`
	RequestID string `json:"request_id,omitempty"`
	ElapsedMS *int64 `json:"elapsed_ms,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Old       string `json:"old,omitempty"`
	New       string `json:"new,omitempty"`
}

// MarshalJSON encodes the event in wire form
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("telemetry: event has no payload")
	}
	w := wireEvent{
		Event:     e.Kind(),
		PageType:  e.PageType,
		Theme:     string(e.Theme),
		Locale:    e.Locale,
		RequestID: e.RequestID,
	}
	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.UnixMilli()
	}
	switch p := e.Payload.(type) {
	case Solved:
		ms := p.Elapsed.Milliseconds()
		w.ElapsedMS = &ms
	case Failed:
		w.ErrorCode = string(p.Code)
	case BlockedShown:
		w.ErrorCode = string(p.Code)
	case RetryClicked:
		w.Attempt = p.Attempt
	case ThemeChanged:
		w.Old, w.New = string(p.Old), string(p.New)
	case LanguageChanged:
		w.Old, w.New = p.Old, p.New
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form, rejecting unknown kinds
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var p Payload
	switch w.Event {
	case KindChallengeShown:
		p = Shown{}
	case KindChallengeSolved:
		var elapsed time.Duration
		if w.ElapsedMS != nil {
			elapsed = time.Duration(*w.ElapsedMS) * time.Millisecond
		}
		p = Solved{Elapsed: elapsed}
	case KindChallengeFailed:
		p = Failed{Code: widgeterr.Code(w.ErrorCode)}
	case KindBlockedShown:
		p = BlockedShown{Code: widgeterr.Code(w.ErrorCode)}
	case KindRetryClicked:
		p = RetryClicked{Attempt: w.Attempt}
	case KindThemeChanged:
		p = ThemeChanged{Old: widget.Theme(w.Old), New: widget.Theme(w.New)}
	case KindLanguageChanged:
		p = LanguageChanged{Old: w.Old, New: w.New}
	default:
		return fmt.Errorf("telemetry: unknown event kind %q", w.Event)
	}

	*e = Event{
		Context: Context{
			PageType:  w.PageType,
			Theme:     widget.Theme(w.Theme),
			Locale:    w.Locale,
			RequestID: w.RequestID,
		},
		Payload: p,
	}
	if w.Timestamp > 0 {
		e.Timestamp = time.UnixMilli(w.Timestamp)
	}
	return nil
}
