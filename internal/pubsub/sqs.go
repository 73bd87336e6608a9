// Copyright (C) 2025 Harborline, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package pubsub consumes object-store notifications and routes the resulting
// file events onto lanes. It is the only writer to lane queues.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborline/filelane/internal/awsclient"
	"github.com/harborline/filelane/internal/classifier"
	"github.com/harborline/filelane/internal/lane"
	"github.com/harborline/filelane/internal/logctx"
)

// Enqueuer is the lane-side surface the router needs. Satisfied by *lane.Lane.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev lane.FileEvent, priority int) (string, error)
}

// SQSService polls the bucket-notification queue, classifies each object into
// a lane, and enqueues it. A notification is deleted only after every event in
// it is either enqueued or known to be a duplicate; anything else leaves the
// notification in place for redelivery.
type SQSService struct {
	tracer     trace.Tracer
	sqsClient  *awsclient.SQSClient
	queueURL   string
	classifier *classifier.Classifier
	lanes      map[lane.ID]Enqueuer
	dedup      *Deduplicator
}

func NewSQSService(sqsClient *awsclient.SQSClient, queueURL string, cl *classifier.Classifier, lanes map[lane.ID]Enqueuer, dedup *Deduplicator) (*SQSService, error) {
	if queueURL == "" {
		return nil, fmt.Errorf("notification queue URL is required")
	}
	if len(lanes) == 0 {
		return nil, fmt.Errorf("at least one lane is required")
	}
	return &SQSService{
		tracer:     otel.Tracer("github.com/harborline/filelane/internal/pubsub"),
		sqsClient:  sqsClient,
		queueURL:   queueURL,
		classifier: cl,
		lanes:      lanes,
		dedup:      dedup,
	}, nil
}

func (ps *SQSService) Run(doneCtx context.Context) error {
	slog.Info("Starting ingestion service for S3 events",
		slog.String("queueURL", ps.queueURL))

	ps.pollSQS(doneCtx)

	slog.Info("Shutting down ingestion service")
	if ps.dedup != nil {
		ps.dedup.Stop()
	}
	return nil
}

func (ps *SQSService) pollSQS(doneCtx context.Context) {
	const maxConcurrentMessages = 10

	for {
		select {
		case <-doneCtx.Done():
			slog.Info("Notification polling loop stopped")
			return
		default:
		}

		result, err := ps.sqsClient.Client.ReceiveMessage(doneCtx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(ps.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if doneCtx.Err() != nil {
				return
			}
			slog.Error("Failed to receive notifications", slog.Any("error", err))
			time.Sleep(5 * time.Second)
			continue
		}

		if len(result.Messages) == 0 {
			continue
		}

		ps.processMessagesConcurrently(doneCtx, result.Messages, maxConcurrentMessages)
	}
}

func (ps *SQSService) processMessagesConcurrently(doneCtx context.Context, messages []types.Message, maxConcurrent int) {
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, message := range messages {
		select {
		case <-doneCtx.Done():
			wg.Wait()
			return
		default:
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(msg types.Message) {
			defer wg.Done()
			defer func() { <-sem }()

			if msg.Body == nil {
				slog.Warn("Received notification with nil body")
				ps.deleteMessage(msg)
				return
			}

			msgCtx, cancel := context.WithTimeout(doneCtx, 30*time.Second)
			defer cancel()
			msgCtx = logctx.With(msgCtx, slog.String("messageId", aws.ToString(msg.MessageId)))

			if err := ps.handleNotification(msgCtx, []byte(*msg.Body)); err != nil {
				slog.Error("Failed to route notification, leaving it for retry",
					slog.Any("error", err),
					slog.String("messageId", aws.ToString(msg.MessageId)))
				return
			}

			ps.deleteMessage(msg)
		}(message)
	}

	wg.Wait()
}

// handleNotification parses and routes one notification body. Events already
// enqueued on a previous attempt are skipped via the dedup window, so a
// partial failure retries only the remainder.
func (ps *SQSService) handleNotification(ctx context.Context, body []byte) error {
	events, err := ParseS3Events(body)
	if err != nil {
		// Malformed bodies never become parseable; count and drop.
		parseFailures.Add(ctx, 1)
		logctx.FromContext(ctx).Error("Dropping unparseable notification", slog.Any("error", err))
		return nil
	}
	eventsParsed.Add(ctx, int64(len(events)))

	var errs *multierror.Error
	for _, ev := range events {
		key := DedupKey(ev.StorageKey, ev.SizeBytes)
		if ps.dedup != nil && ps.dedup.Seen(ctx, key) {
			continue
		}

		laneID, priority := ps.classifier.Classify(ev)
		target, ok := ps.lanes[laneID]
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("no lane registered for %s", laneID))
			continue
		}

		if _, err := target.Enqueue(ctx, ev, priority); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		eventsEnqueued.Add(ctx, 1)
		if ps.dedup != nil {
			ps.dedup.Record(key)
		}
	}
	return errs.ErrorOrNil()
}

func (ps *SQSService) deleteMessage(msg types.Message) {
	// Separate context so the delete completes even during shutdown.
	deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := ps.sqsClient.Client.DeleteMessage(deleteCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(ps.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		slog.Error("Failed to delete routed notification",
			slog.Any("error", err),
			slog.String("messageId", aws.ToString(msg.MessageId)))
	}
}
