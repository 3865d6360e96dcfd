package ecsclient

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// describeTasksBatch is the DescribeTasks request limit.
const describeTasksBatch = 100

// ListServiceTasks returns the running tasks of a service in infra.Cluster.
func (c *Client) ListServiceTasks(ctx context.Context, infra engine.InfraConfig, serviceName string) ([]ecstypes.Task, error) {
	return withSession(ctx, c, infra, "ListTasks", serviceName, func(s *Session) ([]ecstypes.Task, error) {
		// Collect task ARNs across pages
		var arns []string
		p := ecs.NewListTasksPaginator(s.ECS, &ecs.ListTasksInput{
			Cluster:       clusterParam(infra),
			ServiceName:   aws.String(serviceName),
			DesiredStatus: ecstypes.DesiredStatusRunning,
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			arns = append(arns, page.TaskArns...)
		}

		// Describe in batches
		tasks := make([]ecstypes.Task, 0, len(arns))
		for start := 0; start < len(arns); start += describeTasksBatch {
			end := start + describeTasksBatch
			if end > len(arns) {
				end = len(arns)
			}
			out, err := s.ECS.DescribeTasks(ctx, &ecs.DescribeTasksInput{
				Cluster: clusterParam(infra),
				Tasks:   arns[start:end],
			})
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, out.Tasks...)
		}
		return tasks, nil
	})
}

// FleetFilter selects compute instances for fleet discovery. Empty fields are ignored.
type FleetFilter struct {
	AutoScalingGroup string
	VpcID            string
	Tags             map[string]string
}

// ec2Filters builds the DescribeInstances filters. Only running instances are listed.
func (f FleetFilter) ec2Filters() []ec2types.Filter {
	filters := []ec2types.Filter{
		{Name: aws.String("instance-state-name"), Values: []string{"running"}},
	}
	if f.AutoScalingGroup != "" {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("tag:aws:autoscaling:groupName"),
			Values: []string{f.AutoScalingGroup},
		})
	}
	if f.VpcID != "" {
		filters = append(filters, ec2types.Filter{Name: aws.String("vpc-id"), Values: []string{f.VpcID}})
	}
	// Sorted for stable requests
	keys := make([]string, 0, len(f.Tags))
	for k := range f.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filters = append(filters, ec2types.Filter{Name: aws.String("tag:" + k), Values: []string{f.Tags[k]}})
	}
	return filters
}

// ListFleetInstances lists the running instances matching the filter.
func (c *Client) ListFleetInstances(ctx context.Context, infra engine.InfraConfig, filter FleetFilter) ([]ec2types.Instance, error) {
	return withSession(ctx, c, infra, "DescribeInstances", filter.AutoScalingGroup, func(s *Session) ([]ec2types.Instance, error) {
		var instances []ec2types.Instance
		p := ec2.NewDescribeInstancesPaginator(s.EC2, &ec2.DescribeInstancesInput{
			Filters: filter.ec2Filters(),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			for _, r := range page.Reservations {
				instances = append(instances, r.Instances...)
			}
		}
		return instances, nil
	})
}
