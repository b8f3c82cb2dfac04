package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgdnvk/stackcrew/internal/config"
	"github.com/bgdnvk/stackcrew/internal/tools"
)

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil, nil)
	require.NoError(t, reg.Register(tools.Tool{
		Name:        "wait_seconds",
		Description: "Sleep before the next step",
		Params: []tools.Param{
			{Name: "seconds", Type: "integer", Description: "how long", Required: true},
			{Name: "note", Type: "string", Default: "none"},
			{Name: "verbose", Type: "boolean", Default: false},
		},
		Run: func(_ context.Context, a tools.Args) string {
			return fmt.Sprintf("Waited %d seconds (%s)", a.Int("seconds", 0), a.String("note", "none"))
		},
	}))
	return reg
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func call(t *testing.T, reg *tools.Registry, msg string) rpcResponse {
	t.Helper()
	s := New(reg, "test", nil)
	ctx := context.Background()
	s.HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`))
	raw, err := json.Marshal(s.HandleMessage(ctx, json.RawMessage(msg)))
	require.NoError(t, err)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func TestListTools(t *testing.T) {
	resp := call(t, testRegistry(t), `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, resp.Error)

	var list struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			InputSchema struct {
				Properties map[string]map[string]any `json:"properties"`
				Required   []string                  `json:"required"`
			} `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list.Tools, 1)
	tool := list.Tools[0]
	assert.Equal(t, "wait_seconds", tool.Name)
	assert.Equal(t, "Sleep before the next step", tool.Description)
	assert.Equal(t, []string{"seconds"}, tool.InputSchema.Required)
	assert.Equal(t, "number", tool.InputSchema.Properties["seconds"]["type"])
	assert.Equal(t, "string", tool.InputSchema.Properties["note"]["type"])
	assert.Equal(t, "none", tool.InputSchema.Properties["note"]["default"])
	assert.Equal(t, "boolean", tool.InputSchema.Properties["verbose"]["type"])
}

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func TestCallTool(t *testing.T) {
	resp := call(t, testRegistry(t), `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"wait_seconds","arguments":{"seconds":3,"note":"ok"}}}`)
	require.Nil(t, resp.Error)
	var res toolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)
	assert.Equal(t, "Waited 3 seconds (ok)", res.Content[0].Text)
	assert.False(t, res.IsError)
}

func TestCallToolMissingArgumentIsToolError(t *testing.T) {
	resp := call(t, testRegistry(t), `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"wait_seconds","arguments":{}}}`)
	require.Nil(t, resp.Error)
	var res toolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.True(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "Error: wait_seconds requires seconds", res.Content[0].Text)
}

func TestEveryPipelineToolIsExposed(t *testing.T) {
	reg := tools.All(tools.NewEnv(&config.Settings{Region: "us-east-1"}, nil, nil, nil, nil))
	resp := call(t, reg, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`)
	require.Nil(t, resp.Error)
	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	var names []string
	for _, tl := range list.Tools {
		names = append(names, tl.Name)
	}
	assert.ElementsMatch(t, reg.Names(), names)
	assert.Contains(t, names, "run_full_infra_pipeline")
	assert.Contains(t, names, "http_health_check")
}
