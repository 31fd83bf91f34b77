package outbox

import (
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"

	"github.com/overtonx/sagaflow"
)

func TestPublisherOptions(t *testing.T) {
	p := &KafkaPublisher{
		producerProps: make(kafka.ConfigMap),
	}

	WithKafkaDefaultTopic("test-topic")(p)
	assert.Equal(t, "test-topic", p.defaultTopic)

	props := kafka.ConfigMap{"bootstrap.servers": "kafka:9092"}
	WithKafkaProducerProps(props)(p)
	assert.Equal(t, "kafka:9092", p.producerProps["bootstrap.servers"])

	builder := func(record EventRecord) []kafka.Header { return nil }
	WithKafkaHeaderBuilder(builder)(p)
	assert.NotNil(t, p.headerBuilder)
}

func TestProcessorOptions(t *testing.T) {
	opts := &processorOptions{}

	WithProcessorBatchSize(50)(opts)
	assert.Equal(t, 50, opts.batchSize)

	WithProcessorMaxAttempts(10)(opts)
	assert.Equal(t, 10, opts.maxAttempts)

	strategy := sagaflow.DefaultBackoffStrategy()
	WithProcessorBackoffStrategy(strategy)(opts)
	assert.Equal(t, strategy, opts.backoffStrategy)

	metrics := sagaflow.NewNopMetricsCollector()
	WithProcessorMetrics(metrics)(opts)
	assert.Equal(t, metrics, opts.metrics)
}

func TestRetryServiceOptions(t *testing.T) {
	opts := &retryServiceOptions{}

	WithRetryServiceBatchSize(20)(opts)
	assert.Equal(t, 20, opts.batchSize)

	WithRetryServiceMaxAttempts(2)(opts)
	assert.Equal(t, 2, opts.maxAttempts)

	WithRetryServiceDelay(5 * time.Second)(opts)
	assert.Equal(t, 5*time.Second, opts.retryDelay)
}

func TestStuckEventServiceOptions(t *testing.T) {
	opts := &stuckEventServiceOptions{}

	WithStuckEventServiceBatchSize(15)(opts)
	assert.Equal(t, 15, opts.batchSize)

	timeout := 5 * time.Minute
	WithStuckEventServiceThreshold(timeout)(opts)
	assert.Equal(t, timeout, opts.stuckThreshold)
}

func TestCleanupServiceOptions(t *testing.T) {
	opts := &cleanupServiceOptions{}

	retention := 48 * time.Hour
	WithCleanupServiceRetention(retention)(opts)
	assert.Equal(t, retention, opts.retention)
}
