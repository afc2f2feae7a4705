// Package audit publishes finished batches to a Kafka topic so downstream
// consumers can track what ran where. Entirely optional: the engine works
// the same with no publisher wired in.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/GuIIWen/Xpod-Executor/internal/dispatch"
	"github.com/GuIIWen/Xpod-Executor/pkg/lg"
)

const writeTimeout = 2 * time.Minute

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Event is the wire shape of one finished batch.
type Event struct {
	RunID   string        `json:"runId"`
	Kind    string        `json:"kind"`
	Command string        `json:"command"`
	Time    time.Time     `json:"time"`
	Results []NodeOutcome `json:"results"`
}

// NodeOutcome trims a Result down to what auditors care about; full output
// stays in the history store.
type NodeOutcome struct {
	NodeID   int    `json:"nodeId"`
	NodeName string `json:"nodeName"`
	Success  bool   `json:"success"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

type Publisher struct {
	writer messageWriter
	log    lg.Logger
}

func NewPublisher(brokers []string, topic string, logger lg.Logger) *Publisher {
	if logger == nil {
		logger = lg.Discard
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		log: logger,
	}
}

// Record implements dispatch.ResultSink. Publish failures are logged, never
// propagated: audit is best-effort by contract.
func (p *Publisher) Record(runID uuid.UUID, task dispatch.Task, results []dispatch.Result) {
	event := Event{
		RunID:   runID.String(),
		Kind:    task.Kind.String(),
		Command: task.Command,
		Time:    time.Now(),
	}
	for _, res := range results {
		event.Results = append(event.Results, NodeOutcome{
			NodeID:   res.NodeID,
			NodeName: res.NodeName,
			Success:  res.Success,
			ExitCode: res.ExitCode,
			Error:    res.Error,
			Attempts: res.Attempts,
		})
	}

	message, err := json.Marshal(event)
	if err != nil {
		p.log.Error("failed to marshal audit event", lg.Err(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   runID[:],
		Value: message,
		Time:  time.Now(),
	})
	if err != nil {
		p.log.Error("failed to publish audit event",
			lg.String("run", runID.String()), lg.Err(err))
	}
}

var _ dispatch.ResultSink = (*Publisher)(nil)

func (p *Publisher) Close() error {
	return p.writer.Close()
}
