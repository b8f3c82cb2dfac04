package deploy

import (
	"context"
	"errors"
	"testing"
)

type fakeECS struct {
	params  map[string]string
	rolled  []string
	rollErr error
}

func (f *fakeECS) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := f.params[name]
	if !ok {
		return "", errors.New("ParameterNotFound: " + name)
	}
	return v, nil
}

func (f *fakeECS) RegistryURI(context.Context) (string, error) {
	return "123456789012.dkr.ecr.us-east-1.amazonaws.com", nil
}

func (f *fakeECS) RollService(_ context.Context, cluster, service, image string) (string, error) {
	f.rolled = append(f.rolled, cluster+"/"+service+"="+image)
	return "arn:aws:ecs:us-east-1:123456789012:task-definition/shop:8", f.rollErr
}

func TestRunECS(t *testing.T) {
	f := &fakeECS{params: map[string]string{
		"/shop/prod/image_tag":     "build-20260208T120005Z",
		"/shop/prod/ecr_repo_name": "shop-prod-app",
	}}
	res, err := RunECS(context.Background(), f, "shop", "shop-prod", "shop-prod-app")
	if err != nil {
		t.Fatalf("RunECS() error = %v", err)
	}
	want := "123456789012.dkr.ecr.us-east-1.amazonaws.com/shop-prod-app:build-20260208T120005Z"
	if res.Image != want {
		t.Errorf("Image = %q, want %q", res.Image, want)
	}
	if len(f.rolled) != 1 || f.rolled[0] != "shop-prod/shop-prod-app="+want {
		t.Errorf("rolled = %v", f.rolled)
	}
}

func TestRunECSMissingParameter(t *testing.T) {
	f := &fakeECS{params: map[string]string{"/shop/prod/image_tag": "v1"}}
	if _, err := RunECS(context.Background(), f, "shop", "c", "s"); err == nil {
		t.Fatal("RunECS() succeeded without ecr_repo_name")
	}
	if len(f.rolled) != 0 {
		t.Errorf("service rolled despite missing parameter")
	}
	if _, err := RunECS(context.Background(), f, "shop", "", "s"); err == nil {
		t.Error("RunECS() accepted an empty cluster")
	}
}
