package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenProof-Chain/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFromErrorCarriesProgramCode(t *testing.T) {
	err := xerrors.New(xerrors.CodeConflict, "return data came from elsewhere",
		xerrors.WithProgramCode(6001), xerrors.WithMetadata("error_name", "WrongProgram"))
	event := FromError("sig", err)

	assert.Equal(t, xerrors.CodeConflict, event.Code)
	assert.Equal(t, uint32(6001), event.ProgramCode)
	assert.Equal(t, "WrongProgram", event.Metadata["error_name"])
	assert.Equal(t, "sig", event.Subject)
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelAudit}
	bad := &recordingNotifier{channel: ChannelLog, err: errors.New("boom")}
	err := NewFanout(ok, bad, nil).Notify(context.Background(), Event{Code: "X"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel log")
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)
}

func TestLogNotifierWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, n.Notify(context.Background(), Event{
		Code:        "WRONG_PROGRAM",
		Severity:    xerrors.SeverityCritical,
		ProgramCode: 6001,
		Metadata:    map[string]string{"error_name": "WrongProgram"},
	}))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "0x1771", record["program_code"])
	assert.Equal(t, "WrongProgram", record["meta_error_name"])
}
