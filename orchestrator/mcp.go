package orchestrator

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pagepack/kit"
)

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// RegisterMCP registers the pagepack tools on srv.
func (o *Orchestrator) RegisterMCP(srv *mcp.Server) {
	eps := o.endpoints()

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "pagepack_build",
		Description: "Build an HTML page: combine its opted-in scripts and styles into production.js and production.css.",
		InputSchema: inputSchema(map[string]any{
			"url":         map[string]any{"type": "string", "description": "Page path, file: URL or http(s) URL"},
			"output_dir":  map[string]any{"type": "string", "description": "Artifact directory (default: the page's directory)"},
			"include_all": map[string]any{"type": "boolean", "description": "Build every resource, not only those marked compress=\"true\""},
			"minify":      map[string]any{"type": "boolean", "description": "Minify the combined artifacts"},
			"marker":      map[string]any{"type": "string", "description": "Opt-in attribute name (default: compress)"},
		}, []string{"url"}),
	}, eps.build, kit.DecodeArgs[BuildRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "pagepack_inspect",
		Description: "List the scripts and styles a page processes, in order, without building.",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Page path, file: URL or http(s) URL"},
		}, []string{"url"}),
	}, eps.inspect, kit.DecodeArgs[InspectRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "pagepack_types",
		Description: "List the resource types the registry can resolve.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, eps.types, noArgs)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "pagepack_stages",
		Description: "List the builder stages in run order and the current build state.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, eps.stages, noArgs)

	if o.History() != nil {
		kit.RegisterMCPTool(srv, &mcp.Tool{
			Name:        "pagepack_history",
			Description: "List recent builds, or show one build and its artifacts.",
			InputSchema: inputSchema(map[string]any{
				"limit": map[string]any{"type": "integer", "description": "Maximum builds to list (default 20)"},
				"id":    map[string]any{"type": "string", "description": "Build ID to show"},
			}, nil),
		}, eps.history, kit.DecodeArgs[HistoryRequest])
	}
}

func noArgs(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{}, nil
}
