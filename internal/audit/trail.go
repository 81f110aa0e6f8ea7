package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

const (
	eventBufferSize = 1024
	chBatchSize     = 100
	chFlushInterval = 5 * time.Second
	publishTimeout  = 3 * time.Second
)

const insertEventsQuery = `
    INSERT INTO otp_audit_events (
        event_id, event, subject_id, identifier_hash, purpose, channel,
        otp_id, detail, client_ip, date_bucket, created_at
    )`

// Trail is the best-effort audit pipeline. Events flow through a
// buffered channel to a single worker that streams each one to Kafka
// and batches them into ClickHouse for analytics. When the buffer is
// full the event is dropped and counted; issuance never waits on
// audit.
type Trail struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	topic      string

	events    chan model.AuditEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

func NewTrail(cfg *config.Config, producer *client.KafkaProducer, clickhouse *client.ClickHouseClient) *Trail {
	t := &Trail{
		producer:   producer,
		clickhouse: clickhouse,
		topic:      cfg.Kafka.AuditTopic,
		events:     make(chan model.AuditEvent, eventBufferSize),
		done:       make(chan struct{}),
	}

	t.wg.Add(1)
	go t.run()

	return t
}

// Record enqueues an event without blocking. A full buffer drops the
// event; the ledger row it describes is unaffected.
func (t *Trail) Record(event model.AuditEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	select {
	case t.events <- event:
	default:
		t.mu.Lock()
		t.dropped++
		dropped := t.dropped
		t.mu.Unlock()
		util.Warn("Audit buffer full, event dropped",
			zap.String("event", event.Event),
			zap.Int64("dropped_total", dropped))
	}
}

// Dropped reports how many events were discarded since startup.
func (t *Trail) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Close drains buffered events and stops the worker.
func (t *Trail) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
	})
}

func (t *Trail) run() {
	defer t.wg.Done()

	batch := make([]model.AuditEvent, 0, chBatchSize)
	ticker := time.NewTicker(chFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-t.events:
			t.publish(event)
			batch = append(batch, event)
			if len(batch) >= chBatchSize {
				t.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				t.flush(batch)
				batch = batch[:0]
			}
		case <-t.done:
			for {
				select {
				case event := <-t.events:
					t.publish(event)
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						t.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (t *Trail) publish(event model.AuditEvent) {
	if t.producer == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Warn("Failed to marshal audit event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := t.producer.ProduceMessage(ctx, t.topic, []byte(event.SubjectID), payload, map[string]string{
		"event": event.Event,
	}); err != nil {
		util.Warn("Failed to publish audit event",
			zap.String("event", event.Event),
			zap.Error(err))
	}
}

func (t *Trail) flush(batch []model.AuditEvent) {
	if t.clickhouse == nil {
		return
	}

	rows := make([][]interface{}, 0, len(batch))
	for _, event := range batch {
		rows = append(rows, []interface{}{
			event.EventID,
			event.Event,
			event.SubjectID,
			event.IdentifierHash,
			event.Purpose,
			string(event.Channel),
			event.OtpID,
			event.Detail,
			event.ClientIP,
			event.CreatedAt.UTC().Format("2006-01-02"),
			event.CreatedAt,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.clickhouse.BatchInsert(ctx, insertEventsQuery, rows); err != nil {
		util.Warn("Failed to flush audit batch to ClickHouse",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		return
	}

	util.Debug("Audit batch flushed", zap.Int("batch_size", len(batch)))
}
