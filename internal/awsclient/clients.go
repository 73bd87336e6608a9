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

package awsclient

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/otel/trace"
)

type SQSClient struct {
	Client *sqs.Client
	Tracer trace.Tracer
}

type S3Client struct {
	Client *s3.Client
	Tracer trace.Tracer
}

type ECSClient struct {
	Client *ecs.Client
	Tracer trace.Tracer
}

// clientConfig collects the per-call options shared by all client getters.
type clientConfig struct {
	RoleARN string
	Region  string
}

// Option is a functional option for the client getters.
type Option func(*clientConfig)

// WithRole sets the IAM role ARN to assume (empty = no assume).
func WithRole(roleARN string) Option {
	return func(c *clientConfig) { c.RoleARN = roleARN }
}

// WithRegion overrides the AWS region for this client.
func WithRegion(region string) Option {
	return func(c *clientConfig) { c.Region = region }
}

func (m *Manager) GetSQS(_ context.Context, opts ...Option) (*SQSClient, error) {
	var cc clientConfig
	for _, o := range opts {
		o(&cc)
	}
	cfg := m.configFor(cc.Region, cc.RoleARN)
	return &SQSClient{Client: sqs.NewFromConfig(cfg), Tracer: m.tracer}, nil
}

func (m *Manager) GetS3(_ context.Context, opts ...Option) (*S3Client, error) {
	var cc clientConfig
	for _, o := range opts {
		o(&cc)
	}
	cfg := m.configFor(cc.Region, cc.RoleARN)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyleFromEnv()
	})
	return &S3Client{Client: client, Tracer: m.tracer}, nil
}

func (m *Manager) GetECS(_ context.Context, opts ...Option) (*ECSClient, error) {
	var cc clientConfig
	for _, o := range opts {
		o(&cc)
	}
	cfg := m.configFor(cc.Region, cc.RoleARN)
	return &ECSClient{Client: ecs.NewFromConfig(cfg), Tracer: m.tracer}, nil
}
