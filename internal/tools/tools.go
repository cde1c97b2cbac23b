// Package tools discovers the tool capabilities an agent under test has
// access to, via the MCP tool server backing the evaluation, and renders
// them into the prompt the orchestrator sends out.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

// Tool is one capability advertised by the tool server.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Discoverer lists tools from an MCP endpoint.
type Discoverer struct {
	endpoint string
	impl     *mcp.Implementation
}

// NewDiscoverer creates a discoverer for the MCP server at endpoint.
func NewDiscoverer(endpoint string) *Discoverer {
	return &Discoverer{
		endpoint: endpoint,
		impl:     &mcp.Implementation{Name: "medbench", Version: "0.1.0"},
	}
}

// Discover connects to the tool server and lists its tools, sorted by name.
func (d *Discoverer) Discover(ctx context.Context) ([]Tool, error) {
	client := mcp.NewClient(d.impl, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: d.endpoint}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect tool server %s: %w", d.endpoint, err)
	}
	defer session.Close()

	res, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	out := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tool := Tool{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			schema, err := json.Marshal(t.InputSchema)
			if err != nil {
				log.Warn().Err(err).Str("tool", t.Name).Msg("skipping tool input schema")
			} else {
				tool.InputSchema = schema
			}
		}
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	log.Debug().Int("tools", len(out)).Str("endpoint", d.endpoint).Msg("discovered tools")
	return out, nil
}

// FormatCatalogue renders tools as the prompt section describing what the
// agent can call. Deterministic for a given tool list.
func FormatCatalogue(tools []Tool) string {
	if len(tools) == 0 {
		return "No tools are available."
	}
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "\n- %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		if len(t.InputSchema) > 0 {
			fmt.Fprintf(&b, "\n  input schema: %s", t.InputSchema)
		}
	}
	return b.String()
}
