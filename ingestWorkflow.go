package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"bitbucket.org/carbonview/emissions_backend/workflow"
)

// PubSubMessage is the push-delivery envelope Google wraps around the payload.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// activityBatchMessage is one upstream delivery of computed activity records.
// Values and co2e arrive final from the calculation pipeline; this side only
// validates, stores and aggregates them.
type activityBatchMessage struct {
	MessageId      string                    `json:"message_id"`
	OrganizationId string                    `json:"organization_id"`
	Source         string                    `json:"source"`
	CorrelationId  string                    `json:"correlation_id"`
	Records        []*models.NewMetricRecord `json:"records"`
}

func activityBatchPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := config.GetLogger()

		// Redis lock is a best-effort optimization.
		// Reliability must not depend on Redis: batches also serialize via MySQL advisory locks in ProcessActivityBatch().
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "ingestWorkflow.go", "activityBatchPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "ingestWorkflow.go", "activityBatchPubSubHandler", "Unmarshal body", body, err)
			// Malformed request: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		var batch activityBatchMessage
		if err := json.Unmarshal(msg.Message.Data, &batch); err != nil {
			config.LogError(logger, "ingestWorkflow.go", "activityBatchPubSubHandler", "Unmarshal activity batch", msg.Message.Data, err)
			// Malformed Pub/Sub payload: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if batch.OrganizationId == "" {
			config.LogError(logger, "ingestWorkflow.go", "activityBatchPubSubHandler", "Invalid activity batch (missing required fields)", batch, fmt.Errorf("organization_id required"))
			c.Status(http.StatusNoContent)
			return
		}

		// The batch id is the dedupe key; redeliveries without one fall back to
		// the transport message id, which is stable per publish.
		if batch.MessageId == "" {
			batch.MessageId = msg.Message.ID
		}

		correlationID := batch.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}

		// Best-effort: try to obtain a lock for the organization to avoid long in-request blocking.
		// If Redis is unavailable / lock cannot be obtained, continue anyway; ProcessActivityBatch() will serialize safely.
		var lock *redislock.Lock
		if redisLock == nil {
			logger.WithFields(logrus.Fields{
				"field":           "activityBatchPubSubHandler",
				"organization_id": batch.OrganizationId,
				"source":          batch.Source,
				"message_id":      batch.MessageId,
			}).Warn("redis lock not ready; proceeding without redis lock")
		} else {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:%s", batch.OrganizationId), 30*time.Second, nil)
			if err == redislock.ErrNotObtained {
				logger.WithFields(logrus.Fields{
					"field":           "activityBatchPubSubHandler",
					"organization_id": batch.OrganizationId,
					"source":          batch.Source,
					"message_id":      batch.MessageId,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			} else if err != nil {
				logger.WithFields(logrus.Fields{
					"field":           "activityBatchPubSubHandler",
					"organization_id": batch.OrganizationId,
					"source":          batch.Source,
					"message_id":      batch.MessageId,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":           "activityBatchPubSubHandler",
					"organization_id": batch.OrganizationId,
					"message_id":      batch.MessageId,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), batch.OrganizationId)
		ctx = utils.SetUserIdInContext(ctx, 0)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)
		if err := ProcessActivityBatch(ctx, logger, &batch); err != nil {
			logger.WithFields(logrus.Fields{
				"field":           "activityBatchPubSubHandler",
				"organization_id": batch.OrganizationId,
				"source":          batch.Source,
				"records":         len(batch.Records),
				"message_id":      batch.MessageId,
				"correlation_id":  correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		// Success: ack.
		c.Status(http.StatusNoContent)
	}
}

// ProcessActivityBatch stores one delivery exactly once. The idempotency key
// covers the whole batch, and duplicate periods inside the batch count as
// skipped rather than failing it, so redelivery always converges.
func ProcessActivityBatch(ctx context.Context, logger *logrus.Logger, batch *activityBatchMessage) error {
	db := config.GetDB()
	return db.Transaction(func(tx *gorm.DB) error {
		// Enforce strict per-organization ordering across instances.
		if err := workflow.AcquireOrganizationLock(tx.WithContext(ctx), "ingest", batch.OrganizationId); err != nil {
			return err
		}
		defer workflow.ReleaseOrganizationLock(tx.WithContext(ctx), "ingest", batch.OrganizationId)

		skip, err := workflow.BeginIdempotency(tx.WithContext(ctx), batch.OrganizationId, "activity_batch", batch.MessageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		inserted, skipped, rejects, err := models.CreateMetricRecordsBatch(tx.WithContext(ctx), ctx, batch.OrganizationId, batch.Records)
		if err != nil {
			_ = workflow.MarkIdempotencyFailed(tx.WithContext(ctx), batch.OrganizationId, "activity_batch", batch.MessageId, err)
			return err
		}
		if len(rejects) > 0 {
			// Rejected records are data problems; retrying the batch will not
			// fix them, so they are logged and the rest of the batch commits.
			config.LogWarn(logger, "ingestWorkflow.go", "ProcessActivityBatch", "RejectedRecords", rejects, fmt.Sprintf("%d of %d records rejected", len(rejects), len(batch.Records)))
		}

		if err := workflow.MarkIdempotencySucceeded(tx.WithContext(ctx), batch.OrganizationId, "activity_batch", batch.MessageId); err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"field":           "ProcessActivityBatch",
			"organization_id": batch.OrganizationId,
			"source":          batch.Source,
			"message_id":      batch.MessageId,
			"inserted":        inserted,
			"skipped":         skipped,
			"rejected":        len(rejects),
		}).Info("activity batch stored")
		return nil
	})
}
