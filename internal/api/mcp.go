package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/scrubd/internal/storage"
)

const statsResourceURI = "scrubd://stats"

// NewMCPServer creates an MCP server exposing the read-side operator tools.
func NewMCPServer(svc Ops, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"scrubd",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("scrubd: document redaction pipeline. Query job status, audit trails and ledger integrity. Tools never return document content."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Return the state, reason, attempts and entity counts of a job."),
			mcp.WithString("job_id", mcp.Description("Job identifier"), mcp.Required()),
		),
		mcpJobStatus(svc),
	)

	s.AddTool(
		mcp.NewTool("audit_job",
			mcp.WithDescription("Return a job's ledger entries and whether they verify."),
			mcp.WithString("job_id", mcp.Description("Job identifier"), mcp.Required()),
		),
		mcpAuditJob(svc),
	)

	s.AddTool(
		mcp.NewTool("verify_ledger",
			mcp.WithDescription("Recompute the ledger hash chain over a sequence range and report the first divergence."),
			mcp.WithNumber("from", mcp.Description("First sequence number (default 1)")),
			mcp.WithNumber("to", mcp.Description("Last sequence number (default: tail)")),
		),
		mcpVerifyLedger(svc),
	)

	s.AddTool(
		mcp.NewTool("list_dead_letters",
			mcp.WithDescription("List dead-lettered jobs with their reason and quarantine location."),
			mcp.WithString("status", mcp.Description("Filter by status: held, retried")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 20)")),
		),
		mcpListDeadLetters(svc),
	)

	s.AddResource(
		mcp.NewResource(
			statsResourceURI,
			"Pipeline Stats",
			mcp.WithResourceDescription("Job totals per state, entity totals and worker gauges as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(svc),
	)

	return s
}

func mcpJobStatus(svc Ops) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		st, err := svc.JobStatus(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("job %s not found", id)), nil
			}
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpAuditJob(svc Ops) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		a, err := svc.Audit(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("job %s not found", id)), nil
			}
			return mcpError(fmt.Sprintf("failed to audit job: %v", err)), nil
		}
		return mcpJSON(a)
	}
}

func mcpVerifyLedger(svc Ops) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from := req.GetInt("from", 1)
		to := req.GetInt("to", 0)
		if from < 0 || to < 0 {
			return mcpError("from and to must be non-negative"), nil
		}
		rep, err := svc.Verify(int64(from), int64(to))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to verify ledger: %v", err)), nil
		}
		return mcpJSON(rep)
	}
}

func mcpListDeadLetters(svc Ops) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := req.GetString("status", "")
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		list, err := svc.DeadLetters(status, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list dead letters: %v", err)), nil
		}
		if list == nil {
			list = []storage.DeadLetter{}
		}
		return mcpJSON(list)
	}
}

func mcpResourceStats(svc Ops) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := svc.Stats()
		if err != nil {
			return nil, fmt.Errorf("failed to compute stats: %w", err)
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
