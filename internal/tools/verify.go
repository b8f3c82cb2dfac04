package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bgdnvk/stackcrew/internal/health"
)

const maxWaitSeconds = 120

// sleep is swapped out in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func registerVerify(r *Registry, env *Env) {
	r.mustRegister(
		Tool{
			Name:        "wait_seconds",
			Description: "Wait a number of seconds (e.g. for an ECS task to become healthy). Input: seconds (integer, max 120). Use before http_health_check when the deploy method was ECS.",
			Params:      []Param{{Name: "seconds", Type: "integer", Description: "seconds to wait, 0..120", Required: true}},
			Run: func(ctx context.Context, a Args) string {
				s := min(max(a.Int("seconds", 0), 0), maxWaitSeconds)
				if err := sleep(ctx, time.Duration(s)*time.Second); err != nil {
					return errorf("wait interrupted: %v", err)
				}
				return fmt.Sprintf("Waited %d seconds.", s)
			},
		},
		Tool{
			Name:        "http_health_check",
			Description: "Check HTTP/HTTPS health of a URL. Input: full URL (e.g. https://app.example.com/health), timeout_seconds optional. Returns status code and OK or NOT OK.",
			Params: []Param{
				{Name: "url", Type: "string", Description: "URL to GET"},
				{Name: "timeout_seconds", Type: "integer", Description: "request timeout", Default: 10},
			},
			Run: func(ctx context.Context, a Args) string {
				url := a.String("url", "")
				if url == "" {
					return "Error: URL is empty."
				}
				timeout := time.Duration(a.Int("timeout_seconds", 10)) * time.Second
				return health.Check(ctx, url, timeout).String()
			},
		},
		Tool{
			Name:        "check_deployment_alarms",
			Description: "List CloudWatch alarms currently in ALARM state for the environment. Input: env (default prod), region optional.",
			Params: []Param{
				{Name: "env", Type: "string", Description: "prod or dev", Default: "prod"},
				{Name: "region", Type: "string", Description: "AWS region (defaults to the configured region)"},
			},
			Run: func(ctx context.Context, a Args) string {
				return env.alarms(ctx, a.String("env", "prod"), a.String("region", ""))
			},
		},
	)
}

func (e *Env) alarms(ctx context.Context, env, region string) string {
	api, err := e.aws(ctx, region)
	if err != nil {
		return errorf("%v", err)
	}
	prefix := fmt.Sprintf("%s-%s", e.Settings.Project, env)
	alarms, err := api.AlarmsFiring(ctx, prefix)
	if err != nil {
		return errorf("%s", clip(err.Error(), 250))
	}
	if len(alarms) == 0 {
		return fmt.Sprintf("Alarms (%s*): OK, none in ALARM state", prefix)
	}
	lines := []string{fmt.Sprintf("Alarms (%s*): FAIL, %d in ALARM state", prefix, len(alarms))}
	for _, a := range alarms {
		lines = append(lines, fmt.Sprintf("  %s: %s", a.Name, clip(a.Reason, 200)))
	}
	return strings.Join(lines, "\n")
}
