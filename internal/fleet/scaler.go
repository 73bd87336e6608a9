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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"

	"github.com/harborline/filelane/internal/lane"
)

// ECSAPI defines the ECS client methods needed for capacity control.
type ECSAPI interface {
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// ECSScaler maps each lane to an ECS service and drives desired capacity
// through UpdateService. It is the only component permitted to change desired
// counts; workers never self-scale.
type ECSScaler struct {
	client   ECSAPI
	cluster  string
	services map[lane.ID]string
}

func NewECSScaler(client ECSAPI, cluster string, services map[lane.ID]string) (*ECSScaler, error) {
	if cluster == "" {
		return nil, fmt.Errorf("ECS cluster name is required")
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("at least one lane service mapping is required")
	}
	return &ECSScaler{client: client, cluster: cluster, services: services}, nil
}

// DesiredCapacities reads the current desired count for every lane service.
func (s *ECSScaler) DesiredCapacities(ctx context.Context) (map[lane.ID]int, error) {
	byService, err := s.describeAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[lane.ID]int, len(s.services))
	for id, svc := range s.services {
		st, ok := byService[svc]
		if !ok {
			return nil, fmt.Errorf("ECS service %s for lane %s not found in cluster %s", svc, id, s.cluster)
		}
		out[id] = int(st.desired)
	}
	return out, nil
}

// ReadyCounts reads the running count for every lane service.
func (s *ECSScaler) ReadyCounts(ctx context.Context) (map[lane.ID]int, error) {
	byService, err := s.describeAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[lane.ID]int, len(s.services))
	for id, svc := range s.services {
		st, ok := byService[svc]
		if !ok {
			return nil, fmt.Errorf("ECS service %s for lane %s not found in cluster %s", svc, id, s.cluster)
		}
		out[id] = int(st.running)
	}
	return out, nil
}

// SetDesiredCapacity sets one lane's desired count. Idempotent: setting the
// count a service already has is a no-op on the ECS side.
func (s *ECSScaler) SetDesiredCapacity(ctx context.Context, id lane.ID, count int) error {
	svc, ok := s.services[id]
	if !ok {
		return fmt.Errorf("no ECS service mapped for lane %s", id)
	}
	_, err := s.client.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(s.cluster),
		Service:      aws.String(svc),
		DesiredCount: aws.Int32(int32(count)),
	})
	if err != nil {
		return fmt.Errorf("failed to update desired count for lane %s: %w", id, err)
	}
	return nil
}

// Lanes returns the lane IDs this scaler controls.
func (s *ECSScaler) Lanes() []lane.ID {
	out := make([]lane.ID, 0, len(s.services))
	for id := range s.services {
		out = append(out, id)
	}
	return out
}

type serviceState struct {
	desired int32
	running int32
}

func (s *ECSScaler) describeAll(ctx context.Context) (map[string]serviceState, error) {
	names := make([]string, 0, len(s.services))
	for _, svc := range s.services {
		names = append(names, svc)
	}

	out := make(map[string]serviceState, len(names))

	// DescribeServices accepts at most 10 services per call.
	const batchSize = 10
	for i := 0; i < len(names); i += batchSize {
		end := min(i+batchSize, len(names))

		resp, err := s.client.DescribeServices(ctx, &ecs.DescribeServicesInput{
			Cluster:  aws.String(s.cluster),
			Services: names[i:end],
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe ECS services: %w", err)
		}
		for _, svc := range resp.Services {
			out[aws.ToString(svc.ServiceName)] = serviceState{
				desired: svc.DesiredCount,
				running: svc.RunningCount,
			}
		}
	}
	return out, nil
}
