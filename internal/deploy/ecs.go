package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/bgdnvk/stackcrew/internal/config"
)

// ECSClient is the slice of the AWS client an ECS rollout needs.
type ECSClient interface {
	GetParameter(ctx context.Context, name string) (string, error)
	RegistryURI(ctx context.Context) (string, error)
	RollService(ctx context.Context, cluster, service, image string) (string, error)
}

// ECSResult describes a started rollout.
type ECSResult struct {
	Image          string
	TaskDefinition string
}

// ImageURI resolves {registry}/{repo}:{tag} from the prod handoff parameters.
func ImageURI(ctx context.Context, c ECSClient, project string) (string, error) {
	tag, err := c.GetParameter(ctx, config.ParamPath(project, "prod", "image_tag"))
	if err != nil {
		return "", err
	}
	repo, err := c.GetParameter(ctx, config.ParamPath(project, "prod", "ecr_repo_name"))
	if err != nil {
		return "", err
	}
	registry, err := c.RegistryURI(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s:%s", registry, repo, tag), nil
}

// RunECS points the service at the image recorded in SSM and forces a new
// deployment.
func RunECS(ctx context.Context, c ECSClient, project, cluster, service string) (*ECSResult, error) {
	if strings.TrimSpace(cluster) == "" || strings.TrimSpace(service) == "" {
		return nil, fmt.Errorf("cluster_name and service_name are required (terraform outputs ecs_cluster_name, ecs_service_name)")
	}
	image, err := ImageURI(ctx, c, project)
	if err != nil {
		return nil, err
	}
	arn, err := c.RollService(ctx, cluster, service, image)
	if err != nil {
		return nil, err
	}
	return &ECSResult{Image: image, TaskDefinition: arn}, nil
}
