package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"bitbucket.org/carbonview/emissions_backend/workflow"
)

var (
	organizationMutexMap = make(map[string]*sync.Mutex)
	globalMutex          = &sync.Mutex{}
)

// RunEngineEventWorkflow subscribes to the outbox event stream and applies the
// derived-state side of each event. Delivery is at-least-once; ProcessMessage
// carries the idempotency.
func RunEngineEventWorkflow() error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	// Create a callback function to handle messages.
	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.PubSubMessage{}
		err := json.Unmarshal(msg.Data, &m)
		if err != nil {
			config.LogError(logger, "engineEventWorkflow.go", "RunEngineEventWorkflow", "Unmarshaling pubsub message", msg.Data, err)
			return
		}

		// Get or create the mutex for the current OrganizationId
		globalMutex.Lock()
		mutex, exists := organizationMutexMap[m.OrganizationId]
		if !exists {
			mutex = &sync.Mutex{}
			organizationMutexMap[m.OrganizationId] = mutex
		}
		globalMutex.Unlock()

		// Lock the specific organization mutex
		mutex.Lock()
		defer mutex.Unlock()

		ctx = utils.SetOrganizationIdInContext(ctx, m.OrganizationId)
		ctx = utils.SetUserIdInContext(ctx, 0)
		ctx = utils.SetUserNameInContext(ctx, "System")
		if m.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, m.CorrelationId)
		}
		if err := ProcessMessage(ctx, logger, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":           "EngineEventWorkflow",
				"organization_id": m.OrganizationId,
				"event_type":      m.EventType,
				"reference_id":    m.ReferenceId,
				"message_id":      msg.ID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	// Receive messages.
	go func() {
		err := sub.Receive(ctx, callback)

		if err != nil {
			config.LogError(logger, "engineEventWorkflow.go", "RunEngineEventWorkflow", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}

// ProcessMessage applies one outbox event inside a transaction. Per-event
// idempotency keys make every delivery path converge: the subscription, the
// direct processor and manual re-drives all funnel through here.
func ProcessMessage(ctx context.Context, logger *logrus.Logger, m config.PubSubMessage) error {
	db := config.GetDB()
	return db.Transaction(func(tx *gorm.DB) error {
		// Enforce strict per-organization ordering across instances.
		if err := workflow.AcquireOrganizationLock(tx.WithContext(ctx), "engine_events", m.OrganizationId); err != nil {
			return err
		}
		defer workflow.ReleaseOrganizationLock(tx.WithContext(ctx), "engine_events", m.OrganizationId)

		handlerName := m.EventType
		messageId := strconv.Itoa(m.ID)

		skip, err := workflow.BeginIdempotency(tx.WithContext(ctx), m.OrganizationId, handlerName, messageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		if err := workflow.ProcessEngineEvent(tx.WithContext(ctx), logger, m); err != nil {
			_ = workflow.MarkIdempotencyFailed(tx.WithContext(ctx), m.OrganizationId, handlerName, messageId, err)
			return err
		}
		if err := workflow.MarkIdempotencySucceeded(tx.WithContext(ctx), m.OrganizationId, handlerName, messageId); err != nil {
			return err
		}
		return nil
	})
}
