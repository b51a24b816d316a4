// Package mcpserve adapts the graphtools tool table onto the official MCP Go
// SDK and serves it over stdio to a sub-agent process.
package mcpserve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gong8/willow/internal/mcp/graphtools"
)

// serverVersion reported during the MCP initialize handshake.
const serverVersion = "1.0.0"

// NewServer builds an MCP server exposing tools. Handler errors are mapped
// to tool results with IsError set; unknown tool names are rejected by the
// SDK itself with JSON-RPC -32601.
func NewServer(name string, tools []graphtools.Tool) (*mcpsdk.Server, error) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: serverVersion}, nil)
	for _, tool := range tools {
		schema, err := toSchema(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("mcpserve: tool %q schema: %w", tool.Name, err)
		}
		handler := tool.Handler
		server.AddTool(&mcpsdk.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			out, err := handler(ctx, req.Params.Arguments)
			if err != nil {
				return &mcpsdk.CallToolResult{
					IsError: true,
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
				}, nil
			}
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: out}},
			}, nil
		})
	}
	return server, nil
}

// Serve runs an MCP server for tools over stdio until ctx is cancelled or
// the client disconnects.
func Serve(ctx context.Context, name string, tools []graphtools.Tool) error {
	server, err := NewServer(name, tools)
	if err != nil {
		return err
	}
	if err := server.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("mcpserve: run: %w", err)
	}
	return nil
}

// toSchema converts the tool table's schema map into the SDK's schema type.
func toSchema(m map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}
