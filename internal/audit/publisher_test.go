package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GuIIWen/Xpod-Executor/internal/dispatch"
	"github.com/GuIIWen/Xpod-Executor/pkg/lg"
)

type fakeWriter struct {
	messages []kafka.Message
	writeErr error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestRecordPublishesOneEventPerBatch(t *testing.T) {
	fw := &fakeWriter{}
	p := &Publisher{writer: fw, log: lg.Discard}

	runID := uuid.New()
	code := 0
	p.Record(runID, dispatch.Task{Kind: dispatch.ImagePull, Command: "nginx:1.27"}, []dispatch.Result{
		{NodeID: 1, NodeName: "node-1", Success: true, ExitCode: &code},
		{NodeID: 2, NodeName: "node-2", Error: "cannot connect", Attempts: 3},
	})

	require.Len(t, fw.messages, 1)
	msg := fw.messages[0]
	assert.Equal(t, runID[:], msg.Key)

	var event Event
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, runID.String(), event.RunID)
	assert.Equal(t, "image_pull", event.Kind)
	assert.Equal(t, "nginx:1.27", event.Command)
	require.Len(t, event.Results, 2)

	assert.True(t, event.Results[0].Success)
	require.NotNil(t, event.Results[0].ExitCode)
	assert.Equal(t, 0, *event.Results[0].ExitCode)

	assert.False(t, event.Results[1].Success)
	assert.Nil(t, event.Results[1].ExitCode)
	assert.Equal(t, "cannot connect", event.Results[1].Error)
	assert.Equal(t, 3, event.Results[1].Attempts)
}

func TestRecordSwallowsPublishErrors(t *testing.T) {
	fw := &fakeWriter{writeErr: errors.New("broker unreachable")}
	p := &Publisher{writer: fw, log: lg.Discard}

	// must not panic or return anything; audit is best-effort
	p.Record(uuid.New(), dispatch.Task{Kind: dispatch.ShellCommand, Command: "true"}, nil)
	assert.Empty(t, fw.messages)
}

func TestClose(t *testing.T) {
	fw := &fakeWriter{}
	p := &Publisher{writer: fw, log: lg.Discard}
	require.NoError(t, p.Close())
	assert.True(t, fw.closed)
}
