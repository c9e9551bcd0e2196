package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"cloud.google.com/go/pubsub"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func syncTopicName() string {
	topicName := strings.TrimSpace(os.Getenv("METERFLOW_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "meterflow-sync"
	}
	return topicName
}

func PublishSyncRun(ctx context.Context, runId uint, organizationId string, connectionId uint) error {
	topicName := syncTopicName()

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("METERFLOW_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := SyncPubSubPayload{
		RunId:          runId,
		OrganizationId: organizationId,
		ConnectionId:   connectionId,
	}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_METERFLOW_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.OrganizationId == "" {
			c.Status(204)
			return
		}

		_ = runWithSingletonLock(c.Request.Context(), payload)
		c.Status(204)
	}
}

// RunSyncWorker starts the pull consumer for queued sync runs. Backfills are
// long and rate-limited upstream, so outstanding messages stay at 1.
func RunSyncWorker() error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, syncTopicName())
	if err != nil {
		return err
	}

	subName := strings.TrimSpace(os.Getenv("METERFLOW_SYNC_SUBSCRIPTION"))
	if subName == "" {
		subName = "meterflow-sync-worker"
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, subName, topic)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	callback := func(ctx context.Context, msg *pubsub.Message) {
		var payload SyncPubSubPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			config.LogError(logger, "ingestion/pubsub.go", "RunSyncWorker", "Unmarshaling sync payload", msg.Data, err)
			msg.Ack()
			return
		}
		if payload.RunId == 0 || payload.OrganizationId == "" {
			msg.Ack()
			return
		}

		if err := runWithSingletonLock(ctx, payload); err != nil {
			if err == redislock.ErrNotObtained {
				// Another worker holds the organization; redeliver later.
				msg.Nack()
				return
			}
			logger.WithFields(logrus.Fields{
				"field":           "MeterflowSyncWorker",
				"organization_id": payload.OrganizationId,
				"run_id":          payload.RunId,
			}).Error("sync run failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil {
			config.LogError(logger, "ingestion/pubsub.go", "RunSyncWorker", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}

// runWithSingletonLock serializes backfills per organization with a
// best-effort redis lock. Skip-if-held: a second run for the same
// organization is not processed concurrently. Without redis the status
// guard on the run row is the only protection, which is acceptable for
// a backfill that converges on redelivery.
func runWithSingletonLock(ctx context.Context, payload SyncPubSubPayload) error {
	logger := config.GetLogger()
	redisLock := config.GetRedisLock()
	if redisLock == nil {
		return processSyncRun(ctx, payload)
	}

	lock, err := redisLock.Obtain(ctx, fmt.Sprintf("lock:ingest:%s", payload.OrganizationId), 10*time.Minute, nil)
	if err == redislock.ErrNotObtained {
		logger.WithFields(logrus.Fields{
			"field":           "MeterflowSyncWorker",
			"organization_id": payload.OrganizationId,
			"run_id":          payload.RunId,
		}).Warn("ingest lock held; skipping sync run")
		return redislock.ErrNotObtained
	}
	if err != nil {
		logger.WithFields(logrus.Fields{
			"field":           "MeterflowSyncWorker",
			"organization_id": payload.OrganizationId,
			"run_id":          payload.RunId,
		}).Warn("error obtaining ingest lock; proceeding without it: " + err.Error())
		return processSyncRun(ctx, payload)
	}
	defer func() {
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			logger.WithFields(logrus.Fields{
				"field":           "MeterflowSyncWorker",
				"organization_id": payload.OrganizationId,
				"run_id":          payload.RunId,
			}).Warn("failed to release ingest lock: " + releaseErr.Error())
		}
	}()

	return processSyncRun(ctx, payload)
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
