package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sandrev/loom/internal/document"
	"github.com/sandrev/loom/internal/retrieval"
	"github.com/sandrev/loom/internal/storage"
)

// MCPRetriever abstracts semantic recall for the MCP layer.
// Satisfied by *retrieval.Retriever.
type MCPRetriever interface {
	Recall(ctx context.Context, query string, scope retrieval.Scope, opts retrieval.RecallOptions) ([]retrieval.Result, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Retriever MCPRetriever
}

// NewMCPServer creates an MCP server exposing conversation history search
// and document reading over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("loom — conversation memory: semantic search over chat history and project documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_history",
			mcp.WithDescription("Semantically search stored conversation messages and project document chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("chat_id", mcp.Description("Restrict the search to one chat")),
			mcp.WithNumber("project_id", mcp.Description("Restrict the search to one project (messages and documents)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("read_document",
			mcp.WithDescription("Return the full reconstructed text of an uploaded document."),
			mcp.WithString("document_id", mcp.Description("Document ID"), mcp.Required()),
		),
		mcpReadDocument(deps),
	)

	return s
}

func mcpSearchHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", retrieval.DefaultTopK)
		if limit <= 0 {
			limit = retrieval.DefaultTopK
		}
		if limit > 50 {
			limit = 50
		}

		scope := retrieval.Scope{
			ChatID:    int64(req.GetInt("chat_id", 0)),
			ProjectID: int64(req.GetInt("project_id", 0)),
		}

		results, err := deps.Retriever.Recall(ctx, query, scope, retrieval.RecallOptions{TopK: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		type searchResult struct {
			Text       string  `json:"text"`
			Similarity float64 `json:"similarity"`
			SourceType string  `json:"source_type"`
			MessageID  int64   `json:"message_id,omitempty"`
		}
		out := make([]searchResult, len(results))
		for i, r := range results {
			out[i] = searchResult{
				Text:       r.Text,
				Similarity: r.Similarity,
				SourceType: r.SourceType,
				MessageID:  r.MessageID,
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpReadDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("document %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load document: %v", err)), nil
		}

		chunks, err := deps.Store.GetDocumentChunks(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load chunks: %v", err)), nil
		}

		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}

		b, err := json.Marshal(map[string]string{
			"id":       doc.ID,
			"filename": doc.Filename,
			"content":  document.Reconstruct(texts),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal document: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
