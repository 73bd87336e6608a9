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

package fleet

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3NotificationAPI defines the S3 client methods needed for ingestion
// trigger control.
type S3NotificationAPI interface {
	GetBucketNotificationConfiguration(ctx context.Context, params *s3.GetBucketNotificationConfigurationInput, optFns ...func(*s3.Options)) (*s3.GetBucketNotificationConfigurationOutput, error)
	PutBucketNotificationConfiguration(ctx context.Context, params *s3.PutBucketNotificationConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketNotificationConfigurationOutput, error)
}

// S3Trigger is the ingestion trigger: the bucket-notification binding that
// feeds object-created events into the notification queue. Disable removes
// the binding so no new file events are produced; Enable restores it. The
// desired binding (queue ARN, prefix) is static configuration, so both
// operations are idempotent.
type S3Trigger struct {
	client   S3NotificationAPI
	bucket   string
	queueARN string
	prefix   string
}

// notificationID tags the configurations this controller owns, so enabling
// and disabling never touches bindings created out of band.
const notificationID = "filelane-ingest"

func NewS3Trigger(client S3NotificationAPI, bucket, queueARN, prefix string) (*S3Trigger, error) {
	if bucket == "" {
		return nil, fmt.Errorf("ingestion bucket is required")
	}
	if queueARN == "" {
		return nil, fmt.Errorf("notification queue ARN is required")
	}
	return &S3Trigger{client: client, bucket: bucket, queueARN: queueARN, prefix: prefix}, nil
}

// Enabled reports whether the ingestion binding is currently present.
func (t *S3Trigger) Enabled(ctx context.Context) (bool, error) {
	cfg, err := t.get(ctx)
	if err != nil {
		return false, err
	}
	for _, qc := range cfg.QueueConfigurations {
		if aws.ToString(qc.Id) == notificationID {
			return true, nil
		}
	}
	return false, nil
}

// Disable removes the ingestion binding. Idempotent.
func (t *S3Trigger) Disable(ctx context.Context) error {
	cfg, err := t.get(ctx)
	if err != nil {
		return err
	}

	kept := cfg.QueueConfigurations[:0]
	for _, qc := range cfg.QueueConfigurations {
		if aws.ToString(qc.Id) != notificationID {
			kept = append(kept, qc)
		}
	}
	cfg.QueueConfigurations = kept
	return t.put(ctx, cfg)
}

// Enable installs the ingestion binding. Idempotent.
func (t *S3Trigger) Enable(ctx context.Context) error {
	cfg, err := t.get(ctx)
	if err != nil {
		return err
	}
	for _, qc := range cfg.QueueConfigurations {
		if aws.ToString(qc.Id) == notificationID {
			return nil
		}
	}

	qc := s3types.QueueConfiguration{
		Id:       aws.String(notificationID),
		QueueArn: aws.String(t.queueARN),
		Events:   []s3types.Event{s3types.EventS3ObjectCreated},
	}
	if t.prefix != "" {
		qc.Filter = &s3types.NotificationConfigurationFilter{
			Key: &s3types.S3KeyFilter{
				FilterRules: []s3types.FilterRule{
					{Name: s3types.FilterRuleNamePrefix, Value: aws.String(t.prefix)},
				},
			},
		}
	}
	cfg.QueueConfigurations = append(cfg.QueueConfigurations, qc)
	return t.put(ctx, cfg)
}

// DuplicatePrefixes reports key prefixes with more than one registered
// trigger. Two bindings on one prefix means every upload is delivered twice,
// doubling work without any corresponding safety.
func (t *S3Trigger) DuplicatePrefixes(ctx context.Context) ([]string, error) {
	cfg, err := t.get(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, qc := range cfg.QueueConfigurations {
		counts[prefixOf(qc.Filter)]++
	}

	var dups []string
	for prefix, n := range counts {
		if n > 1 {
			dups = append(dups, prefix)
		}
	}
	return dups, nil
}

func prefixOf(f *s3types.NotificationConfigurationFilter) string {
	if f == nil || f.Key == nil {
		return ""
	}
	for _, rule := range f.Key.FilterRules {
		if strings.EqualFold(string(rule.Name), string(s3types.FilterRuleNamePrefix)) {
			return aws.ToString(rule.Value)
		}
	}
	return ""
}

func (t *S3Trigger) get(ctx context.Context) (*s3.GetBucketNotificationConfigurationOutput, error) {
	cfg, err := t.client.GetBucketNotificationConfiguration(ctx, &s3.GetBucketNotificationConfigurationInput{
		Bucket: aws.String(t.bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket notification configuration: %w", err)
	}
	return cfg, nil
}

func (t *S3Trigger) put(ctx context.Context, cfg *s3.GetBucketNotificationConfigurationOutput) error {
	_, err := t.client.PutBucketNotificationConfiguration(ctx, &s3.PutBucketNotificationConfigurationInput{
		Bucket: aws.String(t.bucket),
		NotificationConfiguration: &s3types.NotificationConfiguration{
			QueueConfigurations:          cfg.QueueConfigurations,
			TopicConfigurations:          cfg.TopicConfigurations,
			LambdaFunctionConfigurations: cfg.LambdaFunctionConfigurations,
			EventBridgeConfiguration:     cfg.EventBridgeConfiguration,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write bucket notification configuration: %w", err)
	}
	return nil
}
