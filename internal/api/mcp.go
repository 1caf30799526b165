package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/sidekick/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
	Chat  Conversation
}

// NewMCPServer creates an MCP server exposing the companion to agent hosts
// over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"sidekick",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("sidekick — a personal companion: converse with it, steer it, and track the user's objectives."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to the companion as the user and return its reply."),
			mcp.WithString("text", mcp.Description("The message text"), mcp.Required()),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("inject_instruction",
			mcp.WithDescription("Queue a one-shot steering instruction the companion will follow on its next reply. The instruction is never shown to the user."),
			mcp.WithString("instruction", mcp.Description("What the companion should do on its next turn"), mcp.Required()),
		),
		mcpInjectInstruction(deps),
	)

	s.AddTool(
		mcp.NewTool("list_objectives",
			mcp.WithDescription("List the user's active objectives as JSON."),
		),
		mcpListObjectives(deps),
	)

	s.AddTool(
		mcp.NewTool("add_objective",
			mcp.WithDescription("Add a recurring objective the companion keeps the conversation oriented toward."),
			mcp.WithString("title", mcp.Description("Short objective title"), mcp.Required()),
			mcp.WithString("detail", mcp.Description("Optional longer description")),
			mcp.WithString("cadence", mcp.Description("daily or weekly (default daily)")),
		),
		mcpAddObjective(deps),
	)

	s.AddTool(
		mcp.NewTool("record_progress",
			mcp.WithDescription("Record a progress check-in against an objective."),
			mcp.WithString("objective_id", mcp.Description("Objective ID"), mcp.Required()),
			mcp.WithString("note", mcp.Description("Optional note about the progress")),
		),
		mcpRecordProgress(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"conversation://recent",
			"Recent Conversation",
			mcp.WithResourceDescription("Last 20 conversation turns as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		reply, err := deps.Chat.HandleMessage(ctx, text)
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}

		return mcpText(reply.Text), nil
	}
}

func mcpInjectInstruction(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instruction, err := req.RequireString("instruction")
		if err != nil {
			return mcpError("instruction is required"), nil
		}

		inj := storage.Injection{
			ID:        uuid.NewString(),
			Source:    storage.SourceAgent,
			Text:      instruction,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.CreateInjection(inj); err != nil {
			return mcpError(fmt.Sprintf("failed to queue instruction: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued instruction %s", inj.ID)), nil
	}
}

func mcpListObjectives(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		objectives, err := deps.Store.ListObjectives(true)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list objectives: %v", err)), nil
		}
		if len(objectives) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(objectives)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal objectives: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddObjective(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}

		cadence := req.GetString("cadence", "")
		if cadence != "" && cadence != storage.CadenceDaily && cadence != storage.CadenceWeekly {
			return mcpError("cadence must be daily or weekly"), nil
		}

		o := storage.Objective{
			ID:        uuid.NewString(),
			Title:     title,
			Detail:    req.GetString("detail", ""),
			Cadence:   cadence,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.CreateObjective(o); err != nil {
			return mcpError(fmt.Sprintf("failed to create objective: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Created objective %s", o.ID)), nil
	}
}

func mcpRecordProgress(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		objectiveID, err := req.RequireString("objective_id")
		if err != nil {
			return mcpError("objective_id is required"), nil
		}

		ev := storage.ObjectiveEvent{
			ID:          uuid.NewString(),
			ObjectiveID: objectiveID,
			Note:        req.GetString("note", ""),
			CreatedAt:   time.Now().UTC(),
		}
		if err := deps.Store.RecordObjectiveEvent(ev); err != nil {
			return mcpError(fmt.Sprintf("failed to record progress: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Recorded check-in %s", ev.ID)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		turns, err := deps.Store.RecentTurns(20)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent turns: %w", err)
		}

		b, err := json.Marshal(turns)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal turns: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
