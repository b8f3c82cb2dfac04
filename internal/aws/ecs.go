package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
)

// RollService registers a new revision of the service's task definition
// with the first container's image replaced, then updates the service and
// forces a new deployment. It returns the new task definition ARN.
func (c *Client) RollService(ctx context.Context, cluster, service, image string) (string, error) {
	svcs, err := c.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{service},
	})
	if err != nil {
		return "", fmt.Errorf("ecs describe-services failed: %w", err)
	}
	if len(svcs.Services) == 0 || svcs.Services[0].TaskDefinition == nil {
		return "", fmt.Errorf("service %s not found in cluster %s", service, cluster)
	}

	current, err := c.ecs.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: svcs.Services[0].TaskDefinition,
	})
	if err != nil {
		return "", fmt.Errorf("ecs describe-task-definition failed: %w", err)
	}
	td := current.TaskDefinition
	if td == nil || len(td.ContainerDefinitions) == 0 {
		return "", fmt.Errorf("task definition %s has no containers", aws.ToString(svcs.Services[0].TaskDefinition))
	}

	containers := append(td.ContainerDefinitions[:0:0], td.ContainerDefinitions...)
	containers[0].Image = aws.String(image)

	// Only fields RegisterTaskDefinition accepts are carried over; the
	// describe output also has read-only ones (status, revision, ARNs).
	registered, err := c.ecs.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  td.Family,
		ContainerDefinitions:    containers,
		Cpu:                     td.Cpu,
		Memory:                  td.Memory,
		ExecutionRoleArn:        td.ExecutionRoleArn,
		TaskRoleArn:             td.TaskRoleArn,
		NetworkMode:             td.NetworkMode,
		RequiresCompatibilities: td.RequiresCompatibilities,
		Volumes:                 td.Volumes,
		PlacementConstraints:    td.PlacementConstraints,
		RuntimePlatform:         td.RuntimePlatform,
		EphemeralStorage:        td.EphemeralStorage,
	})
	if err != nil {
		return "", fmt.Errorf("ecs register-task-definition failed: %w", err)
	}
	if registered.TaskDefinition == nil {
		return "", fmt.Errorf("ecs register-task-definition returned no task definition")
	}
	arn := aws.ToString(registered.TaskDefinition.TaskDefinitionArn)

	if _, err := c.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(cluster),
		Service:            aws.String(service),
		TaskDefinition:     aws.String(arn),
		ForceNewDeployment: true,
	}); err != nil {
		return arn, fmt.Errorf("ecs update-service failed: %w", err)
	}
	return arn, nil
}
