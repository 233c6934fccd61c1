package promosync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/promo_sync/config"
	"bitbucket.org/mmdatafocus/promo_sync/models"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type PubSubPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPublisher publishes jobs to topicName, creating the topic first
// when create is set.
func NewPubSubPublisher(ctx context.Context, client *pubsub.Client, topicName string, create bool) (*PubSubPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	topic := client.Topic(topicName)
	if create {
		var err error
		topic, err = config.CreateTopicIfNotExists(ctx, client, topicName)
		if err != nil {
			return nil, err
		}
	}
	return &PubSubPublisher{topic: topic}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id":  job.RunID,
			"variant": string(job.Variant),
		},
	})
	_, err = res.Get(ctx)
	return err
}

func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}

// PubSubPushHandler runs jobs delivered by a push subscription. Malformed
// messages are acknowledged and dropped; a job whose worksheet is busy is
// answered with 429 so Pub/Sub redelivers it later. Redeliveries of a run
// that already finished are acknowledged without running it again.
func PubSubPushHandler(svc *Service, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("dropping malformed push envelope")
			c.Status(http.StatusNoContent)
			return
		}

		var job Job
		if err := json.Unmarshal(envelope.Message.Data, &job); err != nil {
			logger.WithFields(logrus.Fields{"message_id": envelope.Message.ID}).Warn("dropping malformed promotion job")
			c.Status(http.StatusNoContent)
			return
		}
		// Jobs published by schedulers carry no run id; the message id stays
		// the same across redeliveries, so it keys the run instead.
		if job.RunID == "" {
			job.RunID = envelope.Message.ID
		}
		if job.TriggeredBy == "" {
			job.TriggeredBy = models.SyncTriggeredPubSub
		}
		if err := job.Validate(); err != nil {
			logger.WithFields(logrus.Fields{"message_id": envelope.Message.ID}).Warnf("dropping invalid promotion job: %v", err)
			c.Status(http.StatusNoContent)
			return
		}

		res, err := svc.Execute(c.Request.Context(), job)
		if err != nil {
			if errors.Is(err, ErrRunInProgress) {
				c.Status(http.StatusTooManyRequests)
				return
			}
			config.LogError(logger, "promosync", "PubSubPushHandler", "execute job", job, err)
		} else if res.Skipped {
			logger.WithFields(logrus.Fields{"message_id": envelope.Message.ID, "run_id": job.RunID}).Info("redelivered promotion job acknowledged")
		}
		c.Status(http.StatusNoContent)
	}
}
