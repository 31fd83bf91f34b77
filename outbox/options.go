package outbox

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/overtonx/sagaflow"
)

const (
	defaultBatchSize          = 100
	defaultMaxAttempts        = 5
	defaultRetryDelay         = 1 * time.Minute
	defaultStuckThreshold     = 10 * time.Minute
	defaultPublishedRetention = 24 * time.Hour
)

//
// KafkaPublisher Options
//

type KafkaPublisherOption func(*KafkaPublisher)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

func WithKafkaDefaultTopic(topic string) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.defaultTopic = topic
	}
}

func WithKafkaHeaderBuilder(builder KafkaHeaderBuilder) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.headerBuilder = builder
	}
}

//
// Processor Options
//

type ProcessorOption func(*processorOptions)

type processorOptions struct {
	batchSize       int
	maxAttempts     int
	metrics         sagaflow.MetricsCollector
	backoffStrategy sagaflow.BackoffStrategy
}

func WithProcessorBatchSize(size int) ProcessorOption {
	return func(o *processorOptions) {
		o.batchSize = size
	}
}

func WithProcessorMaxAttempts(attempts int) ProcessorOption {
	return func(o *processorOptions) {
		o.maxAttempts = attempts
	}
}

func WithProcessorMetrics(metrics sagaflow.MetricsCollector) ProcessorOption {
	return func(o *processorOptions) {
		o.metrics = metrics
	}
}

func WithProcessorBackoffStrategy(strategy sagaflow.BackoffStrategy) ProcessorOption {
	return func(o *processorOptions) {
		o.backoffStrategy = strategy
	}
}

//
// RetryService Options
//

type RetryServiceOption func(*retryServiceOptions)

type retryServiceOptions struct {
	batchSize   int
	maxAttempts int
	retryDelay  time.Duration
	metrics     sagaflow.MetricsCollector
}

func WithRetryServiceBatchSize(size int) RetryServiceOption {
	return func(o *retryServiceOptions) {
		o.batchSize = size
	}
}

func WithRetryServiceMaxAttempts(attempts int) RetryServiceOption {
	return func(o *retryServiceOptions) {
		o.maxAttempts = attempts
	}
}

func WithRetryServiceDelay(delay time.Duration) RetryServiceOption {
	return func(o *retryServiceOptions) {
		o.retryDelay = delay
	}
}

func WithRetryServiceMetrics(metrics sagaflow.MetricsCollector) RetryServiceOption {
	return func(o *retryServiceOptions) {
		o.metrics = metrics
	}
}

//
// StuckEventService Options
//

type StuckEventServiceOption func(*stuckEventServiceOptions)

type stuckEventServiceOptions struct {
	batchSize      int
	stuckThreshold time.Duration
	metrics        sagaflow.MetricsCollector
}

func WithStuckEventServiceBatchSize(size int) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		o.batchSize = size
	}
}

func WithStuckEventServiceThreshold(threshold time.Duration) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		o.stuckThreshold = threshold
	}
}

func WithStuckEventServiceMetrics(metrics sagaflow.MetricsCollector) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		o.metrics = metrics
	}
}

//
// CleanupService Options
//

type CleanupServiceOption func(*cleanupServiceOptions)

type cleanupServiceOptions struct {
	retention time.Duration
	metrics   sagaflow.MetricsCollector
}

func WithCleanupServiceRetention(retention time.Duration) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.retention = retention
	}
}

func WithCleanupServiceMetrics(metrics sagaflow.MetricsCollector) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.metrics = metrics
	}
}
