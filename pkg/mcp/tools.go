package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ted-keystonepartners/tevor/pkg/store"
)

type askArgs struct {
	ProjectID string `json:"project_id"`
	Message   string `json:"message"`
}

type historyArgs struct {
	ProjectID string `json:"project_id"`
	Limit     int    `json:"limit"`
}

type cacheStatsArgs struct {
	Limit int `json:"limit"`
}

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"tevor_ask":         handleAsk,
	"tevor_projects":    handleProjects,
	"tevor_history":     handleHistory,
	"tevor_cache_stats": handleCacheStats,
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

var allTools = []ToolDefinition{
	{
		Name:        "tevor_ask",
		Description: "Ask the site assistant a question about a project. Answers may come from the response cache.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"project_id", "message"},
			"properties": map[string]any{
				"project_id": stringProp("Project to ask about"),
				"message":    stringProp("The question"),
			},
		},
	},
	{
		Name:        "tevor_projects",
		Description: "List all projects.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "tevor_history",
		Description: "Show the most recent messages of a project, oldest first.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"project_id"},
			"properties": map[string]any{
				"project_id": stringProp("Project whose history to show"),
				"limit":      intProp("Number of messages (default 20)"),
			},
		},
	},
	{
		Name:        "tevor_cache_stats",
		Description: "Show response cache statistics and the most recently used queries.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": intProp("Number of recent queries (default 10)"),
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func handleAsk(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args askArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.ProjectID == "" || args.Message == "" {
		return errorResult("project_id and message are required")
	}

	r, err := s.chat.Reply(ctx, args.ProjectID, args.Message)
	if errors.Is(err, store.ErrProjectNotFound) {
		return errorResult("Project not found: " + args.ProjectID)
	}
	if err != nil {
		return errorResult("Error generating reply: " + err.Error())
	}
	return textResult(formatReply(r))
}

func handleProjects(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return errorResult("Error listing projects: " + err.Error())
	}
	return textResult(formatProjects(projects))
}

func handleHistory(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	args := historyArgs{Limit: 20}
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.ProjectID == "" {
		return errorResult("project_id is required")
	}
	if _, err := s.store.GetProject(ctx, args.ProjectID); err != nil {
		return errorResult("Error fetching project: " + err.Error())
	}

	msgs, err := s.store.History(ctx, args.ProjectID, args.Limit)
	if err != nil {
		return errorResult("Error fetching history: " + err.Error())
	}
	return textResult(formatHistory(msgs))
}

func handleCacheStats(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Response cache is disabled.")
	}
	args := cacheStatsArgs{Limit: 10}
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	return textResult(formatCacheStats(s.cache.Stats(), s.cache.PopularQueries(args.Limit)))
}
