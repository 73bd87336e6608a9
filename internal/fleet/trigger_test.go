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
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotificationAPI struct {
	queueConfigs []s3types.QueueConfiguration
	topicConfigs []s3types.TopicConfiguration
	puts         int
}

func (f *fakeNotificationAPI) GetBucketNotificationConfiguration(context.Context, *s3.GetBucketNotificationConfigurationInput, ...func(*s3.Options)) (*s3.GetBucketNotificationConfigurationOutput, error) {
	return &s3.GetBucketNotificationConfigurationOutput{
		QueueConfigurations: append([]s3types.QueueConfiguration(nil), f.queueConfigs...),
		TopicConfigurations: append([]s3types.TopicConfiguration(nil), f.topicConfigs...),
	}, nil
}

func (f *fakeNotificationAPI) PutBucketNotificationConfiguration(_ context.Context, params *s3.PutBucketNotificationConfigurationInput, _ ...func(*s3.Options)) (*s3.PutBucketNotificationConfigurationOutput, error) {
	f.puts++
	f.queueConfigs = params.NotificationConfiguration.QueueConfigurations
	f.topicConfigs = params.NotificationConfiguration.TopicConfigurations
	return &s3.PutBucketNotificationConfigurationOutput{}, nil
}

func prefixConfig(id, prefix string) s3types.QueueConfiguration {
	qc := s3types.QueueConfiguration{
		Id:       aws.String(id),
		QueueArn: aws.String("arn:aws:sqs:us-east-1:123456789012:other"),
		Events:   []s3types.Event{s3types.EventS3ObjectCreated},
	}
	if prefix != "" {
		qc.Filter = &s3types.NotificationConfigurationFilter{
			Key: &s3types.S3KeyFilter{
				FilterRules: []s3types.FilterRule{
					{Name: s3types.FilterRuleNamePrefix, Value: aws.String(prefix)},
				},
			},
		}
	}
	return qc
}

func newTestTrigger(t *testing.T, api *fakeNotificationAPI) *S3Trigger {
	t.Helper()
	tr, err := NewS3Trigger(api, "uploads", "arn:aws:sqs:us-east-1:123456789012:filelane-notify", "incoming/")
	require.NoError(t, err)
	return tr
}

func TestTriggerEnableDisable(t *testing.T) {
	ctx := context.Background()
	api := &fakeNotificationAPI{}
	tr := newTestTrigger(t, api)

	enabled, err := tr.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, tr.Enable(ctx))
	enabled, err = tr.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
	require.Len(t, api.queueConfigs, 1)
	assert.Equal(t, "incoming/", prefixOf(api.queueConfigs[0].Filter))

	// Enabling again is a no-op, not a second binding.
	require.NoError(t, tr.Enable(ctx))
	assert.Len(t, api.queueConfigs, 1)
	assert.Equal(t, 1, api.puts)

	require.NoError(t, tr.Disable(ctx))
	enabled, err = tr.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Empty(t, api.queueConfigs)
}

func TestTriggerPreservesForeignBindings(t *testing.T) {
	ctx := context.Background()
	api := &fakeNotificationAPI{
		queueConfigs: []s3types.QueueConfiguration{prefixConfig("someone-else", "exports/")},
		topicConfigs: []s3types.TopicConfiguration{{
			Id:       aws.String("audit-topic"),
			TopicArn: aws.String("arn:aws:sns:us-east-1:123456789012:audit"),
			Events:   []s3types.Event{s3types.EventS3ObjectRemovedDelete},
		}},
	}
	tr := newTestTrigger(t, api)

	require.NoError(t, tr.Enable(ctx))
	require.NoError(t, tr.Disable(ctx))

	require.Len(t, api.queueConfigs, 1, "a binding created out of band must survive enable/disable")
	assert.Equal(t, "someone-else", aws.ToString(api.queueConfigs[0].Id))
	require.Len(t, api.topicConfigs, 1)
	assert.Equal(t, "audit-topic", aws.ToString(api.topicConfigs[0].Id))
}

func TestTriggerDuplicatePrefixes(t *testing.T) {
	ctx := context.Background()
	api := &fakeNotificationAPI{
		queueConfigs: []s3types.QueueConfiguration{
			prefixConfig("a", "incoming/"),
			prefixConfig("b", "incoming/"),
			prefixConfig("c", "exports/"),
		},
	}
	tr := newTestTrigger(t, api)

	dups, err := tr.DuplicatePrefixes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"incoming/"}, dups)
}

func TestNewS3TriggerValidation(t *testing.T) {
	_, err := NewS3Trigger(&fakeNotificationAPI{}, "", "arn", "")
	assert.Error(t, err)
	_, err = NewS3Trigger(&fakeNotificationAPI{}, "bucket", "", "")
	assert.Error(t, err)
}
