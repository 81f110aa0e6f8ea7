package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

type KafkaProducer struct {
	Writer *kafka.Writer
	config *config.KafkaConfig
	logger *zap.Logger
}

func NewKafkaProducer(cfg *config.Config, logger *zap.Logger) (*KafkaProducer, error) {
	kafkaConfig := cfg.Kafka

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkaConfig.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchBytes:   1048576, // 1MB
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to write kafka messages",
					zap.Error(err),
					zap.Int("message_count", len(messages)),
				)
			}
		},
	}

	util.Info("Kafka producer initialized",
		zap.Strings("brokers", kafkaConfig.Brokers),
		zap.String("audit_topic", kafkaConfig.AuditTopic),
	)

	return &KafkaProducer{
		Writer: writer,
		config: &kafkaConfig,
		logger: logger,
	}, nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer != nil {
		err := p.Writer.Close()
		if err != nil {
			util.Get().Error("failed to close Kafka producer", zap.Error(err))
			return err
		}
		util.Get().Info("Kafka producer closed")
	}
	return nil
}

func (p *KafkaProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{
			Key:   k,
			Value: []byte(v),
		})
	}

	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	util.Get().Debug("Produced kafka message",
		zap.String("topic", topic),
		zap.ByteString("key", key),
		zap.Int("value_size", len(value)),
	)

	return nil
}

func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{
		TLS: &tls.Config{
			InsecureSkipVerify: config.Get().IsDevelopment(),
		},
		Timeout:   5 * time.Second,
		DualStack: true,
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	_, err = conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("failed to read Kafka partitions: %w", err)
	}
	return nil
}
