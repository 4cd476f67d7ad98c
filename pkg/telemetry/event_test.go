package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/turnstile-uxkit/pkg/widgeterr"
)

func TestDecodeBrowserBeacon(t *testing.T) {
	raw := `{"event":"challenge_solved","timestamp":1700000000123,"page_type":"turnstile","theme":"auto","locale":"en","elapsed_ms":1500,"request_id":"r-1"}`

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))

	assert.Equal(t, KindChallengeSolved, ev.Kind())
	assert.Equal(t, Solved{Elapsed: 1500 * time.Millisecond}, ev.Payload)
	assert.Equal(t, "r-1", ev.RequestID)
	assert.Equal(t, int64(1700000000123), ev.Timestamp.UnixMilli())
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"event":"page_view"}`), &ev)
	assert.Error(t, err)
}

func TestEncodeWithoutPayloadFails(t *testing.T) {
	_, err := json.Marshal(Event{})
	assert.Error(t, err)
}

func TestErrorCode(t *testing.T) {
	code, ok := Event{Payload: BlockedShown{Code: widgeterr.CodeBlocked}}.ErrorCode()
	assert.True(t, ok)
	assert.Equal(t, widgeterr.CodeBlocked, code)

	_, ok = Event{Payload: Shown{}}.ErrorCode()
	assert.False(t, ok)
}

func TestChangeEventsCarryOldAndNew(t *testing.T) {
	data, err := json.Marshal(Event{Payload: LanguageChanged{Old: "en", New: "fr"}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"old":"en"`)
	assert.Contains(t, string(data), `"new":"fr"`)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, LanguageChanged{Old: "en", New: "fr"}, back.Payload)
}
