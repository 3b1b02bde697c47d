package sink

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/getdozer/dozer/pkg/log"
	"github.com/getdozer/dozer/pkg/metrics"
	"github.com/getdozer/dozer/pkg/types"
)

// Publisher is the narrow slice of an amqp091-go channel BrokerSink needs,
// matching the classic Publish signature so a real *amqp.Channel satisfies
// it without an adapter.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// WebhookEvent is the JSON body published for every operation. It stands
// in for the family of broker/webhook sinks named in §6 (Kafka included)
// that have no client library anywhere in the corpus.
type WebhookEvent struct {
	Table string                 `json:"table"`
	Kind  string                 `json:"kind"`
	Old   map[string]interface{} `json:"old,omitempty"`
	New   map[string]interface{} `json:"new,omitempty"`
}

// BrokerSink publishes one WebhookEvent per operation to a fixed exchange
// and routing key.
type BrokerSink struct {
	pub      Publisher
	exchange string
	key      string
	table    string
	schema   types.Schema
}

// NewBrokerSink binds a sink to exchange/key over pub.
func NewBrokerSink(pub Publisher, exchange, key, table string, schema types.Schema) *BrokerSink {
	return &BrokerSink{pub: pub, exchange: exchange, key: key, table: table, schema: schema}
}

func (s *BrokerSink) Write(ctx context.Context, op types.Operation) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SinkWriteDuration, s.table)

	events, err := buildWebhookEvents(s.table, s.schema, op)
	if err != nil {
		metrics.SinkErrorsTotal.WithLabelValues(s.table).Inc()
		return err
	}

	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(s.table).Inc()
			return err
		}
		err = s.pub.Publish(s.exchange, s.key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
		if err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(s.table).Inc()
			log.WithComponent("sink").Error().Err(err).Str("table", s.table).Msg("broker publish failed")
			return err
		}
	}
	return nil
}

// Commit is a no-op: each Write already publishes and the broker owns its
// own durability guarantees past that point.
func (s *BrokerSink) Commit(ctx context.Context, state types.CommitState) error { return nil }

func (s *BrokerSink) Close() error { return nil }

func buildWebhookEvents(table string, schema types.Schema, op types.Operation) ([]WebhookEvent, error) {
	switch op.Kind {
	case types.OpInsert:
		newM, err := recordToMap(schema, op.New)
		if err != nil {
			return nil, err
		}
		return []WebhookEvent{{Table: table, Kind: "insert", New: newM}}, nil
	case types.OpUpdate:
		oldM, err := recordToMap(schema, op.Old)
		if err != nil {
			return nil, err
		}
		newM, err := recordToMap(schema, op.New)
		if err != nil {
			return nil, err
		}
		return []WebhookEvent{{Table: table, Kind: "update", Old: oldM, New: newM}}, nil
	case types.OpDelete:
		oldM, err := recordToMap(schema, op.Old)
		if err != nil {
			return nil, err
		}
		return []WebhookEvent{{Table: table, Kind: "delete", Old: oldM}}, nil
	case types.OpBatchInsert:
		events := make([]WebhookEvent, 0, len(op.NewBatch))
		for _, rec := range op.NewBatch {
			newM, err := recordToMap(schema, rec)
			if err != nil {
				return nil, err
			}
			events = append(events, WebhookEvent{Table: table, Kind: "insert", New: newM})
		}
		return events, nil
	default:
		return nil, fmt.Errorf("sink: unsupported operation kind %v", op.Kind)
	}
}
