package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/scene/internal/activity"
	"github.com/kalambet/scene/internal/scene"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *scene.Service
	Version string
}

// NewMCPServer creates an MCP server exposing read-only venue tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"scene",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("scene: live crowd levels, arrivals and feedback for nightlife venues."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("crowd_state",
			mcp.WithDescription("Current crowd level of a venue from the last 20 minutes of vibes."),
			mcp.WithString("venue_id", mcp.Description("Venue id"), mcp.Required()),
		),
		mcpCrowdState(deps),
	)

	s.AddTool(
		mcp.NewTool("feedback_summary",
			mcp.WithDescription("Rating breakdown for a venue over the last 24 hours."),
			mcp.WithString("venue_id", mcp.Description("Venue id"), mcp.Required()),
		),
		mcpFeedbackSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("trending_venues",
			mcp.WithDescription("Venues ranked by current crowd, busiest first."),
			mcp.WithString("filter", mcp.Description("Empty for all venues, \"trending\" or \"vibing\"")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of venues (default 10)")),
		),
		mcpTrendingVenues(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"scene://venues",
			"Venues",
			mcp.WithResourceDescription("Venue catalog as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceVenues(deps),
	)

	return s
}

func mcpCrowdState(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		venueID, err := req.RequireString("venue_id")
		if err != nil {
			return mcpError("venue_id is required"), nil
		}
		venue, err := deps.Service.Venue(ctx, venueID)
		if err != nil {
			return mcpServiceError(err), nil
		}
		cs, err := deps.Service.GetCrowdState(ctx, venueID)
		if err != nil {
			return mcpServiceError(err), nil
		}

		text := fmt.Sprintf("%s: %s (%d%%), %d vibes in the last 20 minutes, %d pulling up",
			venue.Name, cs.Label, cs.IntensityPercent, cs.Count, cs.PullingUp)
		if cs.IsTrending {
			text += ", trending"
		}
		return mcpText(text), nil
	}
}

func mcpFeedbackSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		venueID, err := req.RequireString("venue_id")
		if err != nil {
			return mcpError("venue_id is required"), nil
		}
		sum, err := deps.Service.GetFeedbackSummary(ctx, venueID)
		if err != nil {
			return mcpServiceError(err), nil
		}
		if sum.Total == 0 {
			return mcpText("No feedback in the last 24 hours."), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "%d ratings, average %.1f", sum.Total, sum.Average)
		if sum.Dominant != nil {
			fmt.Fprintf(&b, ", mostly %s", sum.Dominant.Label())
		}
		for _, r := range activity.Ratings {
			fmt.Fprintf(&b, "\n%s: %d", r.Label(), sum.Counts.Get(r))
		}
		return mcpText(b.String()), nil
	}
}

func mcpTrendingVenues(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := req.GetString("filter", scene.FilterAll)
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}

		venues, err := deps.Service.Dashboard(ctx, filter)
		if err != nil {
			return mcpServiceError(err), nil
		}
		if len(venues) == 0 {
			return mcpText("No venues match."), nil
		}
		if len(venues) > limit {
			venues = venues[:limit]
		}

		var b strings.Builder
		for i, vc := range venues {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "%d. %s [%s] %s, %d vibes", i+1, vc.Venue.Name, vc.Venue.ID, vc.Crowd.Label, vc.Crowd.Count)
		}
		return mcpText(b.String()), nil
	}
}

func mcpResourceVenues(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		venues, err := deps.Service.Venues(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list venues: %w", err)
		}
		if venues == nil {
			venues = []activity.Venue{}
		}

		b, err := json.Marshal(venues)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal venues: %w", err)
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

func mcpServiceError(err error) *mcp.CallToolResult {
	if errors.Is(err, activity.ErrNotFound) {
		return mcpError("venue not found")
	}
	return mcpError(err.Error())
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
