package aws

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// GetParameter returns the (decrypted) value of an SSM parameter.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	out, err := c.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if out.Parameter == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return strings.TrimSpace(aws.ToString(out.Parameter.Value)), nil
}

// PutParameter writes a String parameter, overwriting any existing value.
func (c *Client) PutParameter(ctx context.Context, name, value string) error {
	_, err := c.ssm.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	})
	return err
}

var (
	sendBackoffs = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	pollInterval = 4 * time.Second
)

// CommandResult is the final state of an SSM RunCommand invocation.
type CommandResult struct {
	CommandID string
	Status    string
	Stdout    string
	Stderr    string
}

// RunShellCommand runs commands on an instance through AWS-RunShellScript
// and waits up to timeout for the invocation to finish. A non-Success final
// status is returned as an error alongside the captured output.
func (c *Client) RunShellCommand(ctx context.Context, instanceID, comment string, commands []string, timeout time.Duration, w io.Writer) (*CommandResult, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, fmt.Errorf("missing instance id")
	}
	var cmds []string
	for _, cmd := range commands {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			cmds = append(cmds, cmd)
		}
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("missing ssm commands")
	}
	if w == nil {
		w = io.Discard
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	in := &ssm.SendCommandInput{
		InstanceIds:    []string{instanceID},
		DocumentName:   aws.String("AWS-RunShellScript"),
		Parameters:     map[string][]string{"commands": cmds},
		Comment:        aws.String(comment),
		TimeoutSeconds: aws.Int32(int32(timeout / time.Second)),
	}

	// The instance's SSM agent may not be registered yet right after apply.
	var sent *ssm.SendCommandOutput
	var err error
	for attempt := 0; ; attempt++ {
		sent, err = c.ssm.SendCommand(ctx, in)
		if err == nil || attempt >= len(sendBackoffs) {
			break
		}
		fmt.Fprintf(w, "[ssm] send-command failed (attempt %d): %v\n", attempt+1, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sendBackoffs[attempt]):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("ssm send-command failed: %w", err)
	}
	if sent.Command == nil || aws.ToString(sent.Command.CommandId) == "" {
		return nil, fmt.Errorf("ssm send-command returned empty command id")
	}
	res := &CommandResult{CommandID: aws.ToString(sent.Command.CommandId)}
	fmt.Fprintf(w, "[ssm] command %s sent to %s\n", res.CommandID, instanceID)

	deadline := time.Now().Add(timeout)
	for {
		inv, err := c.ssm.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(res.CommandID),
			InstanceId: aws.String(instanceID),
		})
		// InvocationDoesNotExist is transient while the invocation registers.
		if err == nil {
			res.Status = string(inv.Status)
			res.Stdout = strings.TrimSpace(aws.ToString(inv.StandardOutputContent))
			res.Stderr = strings.TrimSpace(aws.ToString(inv.StandardErrorContent))
			if terminal(inv.Status) {
				break
			}
		} else if ErrorCode(err) != "InvocationDoesNotExist" {
			return res, fmt.Errorf("ssm get-command-invocation failed: %w", err)
		}
		if time.Now().After(deadline) {
			return res, fmt.Errorf("ssm command %s still %s after %v", res.CommandID, res.Status, timeout)
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	if res.Status != string(ssmtypes.CommandInvocationStatusSuccess) {
		if res.Stderr != "" {
			return res, fmt.Errorf("ssm command failed (status=%s): %s", res.Status, res.Stderr)
		}
		return res, fmt.Errorf("ssm command failed (status=%s)", res.Status)
	}
	return res, nil
}

func terminal(s ssmtypes.CommandInvocationStatus) bool {
	switch s {
	case ssmtypes.CommandInvocationStatusSuccess,
		ssmtypes.CommandInvocationStatusFailed,
		ssmtypes.CommandInvocationStatusTimedOut,
		ssmtypes.CommandInvocationStatusCancelled:
		return true
	}
	return false
}
