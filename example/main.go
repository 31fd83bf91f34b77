package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/inventory"
	inventorystorage "github.com/overtonx/sagaflow/inventory/storage"
	inventorysql "github.com/overtonx/sagaflow/inventory/storage/sqlstore"
	"github.com/overtonx/sagaflow/outbox"
	outboxsql "github.com/overtonx/sagaflow/outbox/storage/sqlstore"
	"github.com/overtonx/sagaflow/saga"
	sagasql "github.com/overtonx/sagaflow/saga/storage/sqlstore"
)

const (
	dbDSN       = "root:password@tcp(localhost:3306)/sagaflow_db?parseTime=true"
	kafkaBroker = "localhost:9092"
	kafkaGroup  = "sagaflow-example"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	db, err := sql.Open("mysql", dbDSN)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	getter := trmsql.DefaultCtxGetter
	trManager := manager.Must(trmsql.NewDefaultFactory(db))

	outboxStore := outboxsql.NewSQLStore(db, getter, logger)
	sagaStore := sagasql.NewSQLStore(db, getter, logger)
	inventoryStore := inventorysql.NewSQLStore(db, getter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// In a real application migrations would handle this.
	for _, ensure := range []func(context.Context) error{
		outboxStore.EnsureTables, sagaStore.EnsureTables, inventoryStore.EnsureTables,
	} {
		if err := ensure(ctx); err != nil {
			logger.Fatal("Failed to ensure tables", zap.Error(err))
		}
	}
	seedProducts(ctx, inventoryStore, logger)

	publisher, err := outbox.NewKafkaPublisher(logger, outbox.WithKafkaProducerProps(kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
	}))
	if err != nil {
		logger.Fatal("Failed to create Kafka publisher", zap.Error(err))
	}
	defer publisher.Close()

	metrics := sagaflow.NewNopMetricsCollector()

	processor := outbox.NewProcessor(outboxStore, publisher, logger,
		outbox.WithProcessorBatchSize(10),
		outbox.WithProcessorMetrics(metrics),
	)
	retryService := outbox.NewRetryService(outboxStore, logger,
		outbox.WithRetryServiceDelay(30*time.Second),
	)
	stuckService := outbox.NewStuckEventService(outboxStore, logger,
		outbox.WithStuckEventServiceThreshold(time.Minute),
	)
	cleanupService := outbox.NewCleanupService(outboxStore, logger,
		outbox.WithCleanupServiceRetention(24*time.Hour),
	)

	orchestrator := saga.NewOrchestrator(sagaStore, outboxStore, trManager, logger,
		saga.WithStepTimeout(time.Minute),
		saga.WithReservationTTL(5*time.Minute),
	)
	ledger := inventory.NewLedger(inventoryStore, outboxStore, trManager, logger)
	stockHandler := inventory.NewCommandHandler(ledger, logger)

	dispatcher := sagaflow.NewDispatcher(logger,
		sagaflow.NewBaseWorker("relay", 2*time.Second, logger, processor.ProcessEvents),
		sagaflow.NewBaseWorker("retry", 30*time.Second, logger, retryService.RetryFailedEvents),
		sagaflow.NewBaseWorker("stuck_events", time.Minute, logger, stuckService.CheckStuckEvents),
		sagaflow.NewBaseWorker("cleanup", 5*time.Minute, logger, cleanupService.Cleanup),
		sagaflow.NewBaseWorker("saga_deadlines", 5*time.Second, logger, orchestrator.CheckDeadlines),
		sagaflow.NewBaseWorker("reservation_expiry", 10*time.Second, logger, ledger.ExpireReservations),
	)

	go dispatcher.Start(ctx)
	go consumeEvents(ctx, db, logger, orchestrator, stockHandler, outboxStore)
	go startCheckouts(ctx, orchestrator, logger)

	<-ctx.Done()

	logger.Info("Shutdown signal received. Stopping dispatcher...")
	dispatcher.Stop()
	logger.Info("Dispatcher stopped gracefully.")
}

// consumeEvents is the in-process consumer: it feeds published envelopes
// back to the orchestrator and the stock handler, and stands in for the
// payment and order services so the example runs self-contained.
func consumeEvents(
	ctx context.Context,
	db *sql.DB,
	logger *zap.Logger,
	orchestrator *saga.Orchestrator,
	stockHandler *inventory.CommandHandler,
	outboxStore *outboxsql.SQLStore,
) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"group.id":          kafkaGroup,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		logger.Fatal("Failed to create Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	topics := []string{
		outbox.TopicForAggregate(saga.AggregateTypeSaga),
		outbox.TopicForAggregate(saga.AggregateTypeInventory),
		outbox.TopicForAggregate(saga.AggregateTypePayment),
		outbox.TopicForAggregate(saga.AggregateTypeOrder),
	}
	if err := consumer.SubscribeTopics(topics, nil); err != nil {
		logger.Fatal("Failed to subscribe", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := consumer.ReadMessage(time.Second)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			logger.Error("Consumer read failed", zap.Error(err))
			continue
		}

		var env outbox.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			logger.Error("Failed to unmarshal envelope", zap.Error(err))
			continue
		}

		if err := stockHandler.HandleEvent(ctx, env); err != nil {
			logger.Error("Stock handler failed", zap.String("event_type", env.EventType), zap.Error(err))
			continue
		}
		if err := stubCollaborators(ctx, outboxStore, env); err != nil {
			logger.Error("Stub collaborator failed", zap.String("event_type", env.EventType), zap.Error(err))
			continue
		}
		if err := orchestrator.HandleEvent(ctx, env); err != nil {
			logger.Error("Orchestrator failed", zap.String("event_type", env.EventType), zap.Error(err))
			continue
		}

		if _, err := consumer.CommitMessage(msg); err != nil {
			logger.Error("Commit failed", zap.Error(err))
		}
	}
}

// stubCollaborators answers payment and order commands so a checkout can
// complete without real services behind it.
func stubCollaborators(ctx context.Context, store *outboxsql.SQLStore, env outbox.Envelope) error {
	answer := func(eventType, aggregateType string, payload any) error {
		event := outbox.NewEvent(uuid.NewString(), eventType, aggregateType, env.CorrelationID, payload)
		event.CorrelationID = env.CorrelationID
		event.CausationID = env.EventID
		err := outbox.Append(ctx, store, event)
		if errors.Is(err, outbox.ErrEventAlreadyExists) {
			return nil
		}
		return err
	}

	switch env.EventType {
	case saga.CommandTypeAuthorizePayment:
		var cmd saga.AuthorizePaymentCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return err
		}
		return answer(saga.EventTypePaymentAuthorized, saga.AggregateTypePayment, saga.PaymentAuthorizedEvent{
			OrderID:   cmd.OrderID,
			PaymentID: uuid.NewString(),
			AuthCode:  "AUTH-OK",
		})
	case saga.CommandTypeVoidPayment:
		var cmd saga.VoidPaymentCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return err
		}
		return answer(saga.EventTypePaymentVoided, saga.AggregateTypePayment, saga.PaymentVoidedEvent{
			OrderID:   cmd.OrderID,
			PaymentID: cmd.PaymentID,
		})
	case saga.CommandTypeConfirmOrder:
		var cmd saga.ConfirmOrderCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return err
		}
		return answer(saga.EventTypeOrderConfirmed, saga.AggregateTypeOrder, saga.OrderConfirmedEvent{
			OrderID: cmd.OrderID,
		})
	case saga.CommandTypeCancelOrder:
		var cmd saga.CancelOrderCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return err
		}
		return answer(saga.EventTypeOrderCancelled, saga.AggregateTypeOrder, saga.OrderCancelledEvent{
			OrderID: cmd.OrderID,
		})
	}
	return nil
}

func startCheckouts(ctx context.Context, orchestrator *saga.Orchestrator, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orderID := uuid.NewString()
			exec, err := orchestrator.Start(ctx, saga.StartOrderCommand{
				OrderID:    orderID,
				CustomerID: "customer-1",
				Items: []saga.OrderItem{
					{ProductID: "sku-keyboard", Quantity: 1},
					{ProductID: "sku-mouse", Quantity: 2},
				},
				Amount:        14900,
				PaymentMethod: "card",
			})
			if err != nil {
				logger.Error("Failed to start checkout", zap.Error(err))
				continue
			}
			logger.Info("Checkout started",
				zap.String("order_id", exec.OrderID),
				zap.String("state", string(exec.State)))
		}
	}
}

func seedProducts(ctx context.Context, store *inventorysql.SQLStore, logger *zap.Logger) {
	for _, p := range []struct {
		id    string
		total int
	}{
		{"sku-keyboard", 100},
		{"sku-mouse", 200},
	} {
		err := store.CreateProduct(ctx, &inventorystorage.ProductRecord{
			ProductID: p.id,
			Total:     p.total,
			Available: p.total,
		})
		if err != nil {
			logger.Warn("Product seed skipped", zap.String("product_id", p.id), zap.Error(err))
		}
	}
}
