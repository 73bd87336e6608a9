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

package lane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the slice of the SQS client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	PurgeQueue(ctx context.Context, params *sqs.PurgeQueueInput, optFns ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error)
}

// SQSQueue implements Queue on a pair of SQS queues. Leases map onto
// visibility timeouts: a received message is invisible until the lane's lease
// timeout elapses or the message is deleted, and ChangeMessageVisibility
// extends the window. ApproximateReceiveCount carries the delivery count.
type SQSQueue struct {
	client        SQSAPI
	queueURL      string
	deadLetterURL string
	leaseTimeout  time.Duration
}

var _ Queue = (*SQSQueue)(nil)

func NewSQSQueue(client SQSAPI, cfg Config) (*SQSQueue, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("lane %s has no queue URL configured", cfg.ID)
	}
	if cfg.DeadLetterURL == "" {
		return nil, fmt.Errorf("lane %s has no dead-letter queue URL configured", cfg.ID)
	}
	return &SQSQueue{
		client:        client,
		queueURL:      cfg.QueueURL,
		deadLetterURL: cfg.DeadLetterURL,
		leaseTimeout:  cfg.LeaseTimeout,
	}, nil
}

const (
	attrLane     = "lane"
	attrPriority = "priority"
	attrItemID   = "item_id"
)

func (q *SQSQueue) Enqueue(ctx context.Context, item WorkItem) (string, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal work item: %w", err)
	}

	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			attrLane: {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(item.Lane)),
			},
			attrPriority: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(item.Priority)),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("sqs send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxItems int, wait time.Duration) ([]*Lease, error) {
	if maxItems > 10 {
		maxItems = 10 // SQS receive batch ceiling
	}
	waitSeconds := int32(wait / time.Second)
	if waitSeconds > 20 {
		waitSeconds = 20
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxItems),
		WaitTimeSeconds:       waitSeconds,
		VisibilityTimeout:     int32(q.leaseTimeout / time.Second),
		MessageAttributeNames: []string{attrLane, attrPriority},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	now := time.Now()
	leases := make([]*Lease, 0, len(out.Messages))
	for _, msg := range out.Messages {
		lease, err := q.leaseFromMessage(msg, now)
		if err != nil {
			// A body we cannot decode would redeliver forever; it goes straight
			// to the dead-letter queue as a terminal input failure.
			if dlErr := q.deadLetterRaw(ctx, msg); dlErr != nil {
				return leases, fmt.Errorf("dead-letter undecodable message: %w", dlErr)
			}
			continue
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

func (q *SQSQueue) leaseFromMessage(msg types.Message, now time.Time) (*Lease, error) {
	var item WorkItem
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &item); err != nil {
		return nil, fmt.Errorf("unmarshal work item: %w", err)
	}
	if item.ID == "" {
		item.ID = aws.ToString(msg.MessageId)
	}
	if rc := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; rc != "" {
		if n, err := strconv.Atoi(rc); err == nil {
			item.DeliveryCount = n
		}
	}
	if item.DeliveryCount == 0 {
		item.DeliveryCount = 1
	}

	return &Lease{
		Item:          item,
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		AcquiredAt:    now,
		ExpiresAt:     now.Add(q.leaseTimeout),
	}, nil
}

func (q *SQSQueue) Delete(ctx context.Context, lease *Lease) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(lease.ReceiptHandle),
	})
	if err != nil {
		var invalid *types.ReceiptHandleIsInvalid
		if errors.As(err, &invalid) {
			return fmt.Errorf("%w: %v", ErrLeaseNotHeld, err)
		}
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

func (q *SQSQueue) DeadLetter(ctx context.Context, lease *Lease) error {
	body, err := json.Marshal(lease.Item)
	if err != nil {
		return fmt.Errorf("marshal work item for dead-letter: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.deadLetterURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			attrLane: {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(lease.Item.Lane)),
			},
			attrItemID: {
				DataType:    aws.String("String"),
				StringValue: aws.String(lease.Item.ID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs dead-letter send: %w", err)
	}
	return nil
}

func (q *SQSQueue) deadLetterRaw(ctx context.Context, msg types.Message) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.deadLetterURL),
		MessageBody: msg.Body,
	})
	if err != nil {
		return err
	}
	_, err = q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	return err
}

func (q *SQSQueue) ExtendLease(ctx context.Context, lease *Lease, d time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(lease.ReceiptHandle),
		VisibilityTimeout: int32(d / time.Second),
	})
	if err != nil {
		var invalid *types.ReceiptHandleIsInvalid
		if errors.As(err, &invalid) {
			return fmt.Errorf("%w: %v", ErrLeaseNotHeld, err)
		}
		return fmt.Errorf("sqs change visibility: %w", err)
	}
	lease.ExpiresAt = time.Now().Add(d)
	return nil
}

func (q *SQSQueue) Depths(ctx context.Context) (Depths, error) {
	var depths Depths

	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return depths, fmt.Errorf("sqs queue attributes: %w", err)
	}
	depths.Visible = atoiAttr(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessages)
	depths.InFlight = atoiAttr(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)

	dlOut, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.deadLetterURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	})
	if err != nil {
		return depths, fmt.Errorf("sqs dead-letter queue attributes: %w", err)
	}
	depths.DeadLetter = atoiAttr(dlOut.Attributes, types.QueueAttributeNameApproximateNumberOfMessages)

	return depths, nil
}

func (q *SQSQueue) Purge(ctx context.Context) (int, error) {
	depths, err := q.Depths(ctx)
	if err != nil {
		return 0, err
	}
	count := depths.Visible + depths.InFlight

	_, err = q.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{
		QueueUrl: aws.String(q.queueURL),
	})
	if err != nil {
		return 0, fmt.Errorf("sqs purge: %w", err)
	}
	return count, nil
}

func atoiAttr(attrs map[string]string, name types.QueueAttributeName) int {
	n, err := strconv.Atoi(attrs[string(name)])
	if err != nil {
		return 0
	}
	return n
}
