package workerproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewBufferedWriter(&buf)
	cmd := Command{Type: CommandExecute, Code: "x = 41\nx + 1", CellIndex: 3, ExecutionCount: 1}
	require.NoError(t, WriteFrame(w, cmd))

	var got Command
	require.NoError(t, ReadFrame(NewBufferedReader(&buf), &got))
	assert.Equal(t, cmd, got)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	w := NewBufferedWriter(&buf)
	big := make([]byte, MaxFrameBytes+1)
	err := WriteFrame(w, string(big))
	assert.Error(t, err)
}

func TestEventMarshalRoundTrip(t *testing.T) {
	ev := Event{
		Type:      EventExecuteResult,
		CellIndex: 2,
		Data:      MIMEBundle{"text/plain": "42"},
	}
	payload, err := marshalEvent(ev)
	require.NoError(t, err)
	got, err := unmarshalEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.CellIndex, got.CellIndex)
	assert.Equal(t, "42", got.Data["text/plain"])
}
