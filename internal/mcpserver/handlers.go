package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleScoreTransaction scores one transaction.
func (h *Handlers) HandleScoreTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tx := map[string]any{}
	for arg, field := range map[string]string{
		"id":              "id",
		"amount":          "amount",
		"timestamp":       "timestamp",
		"vendor_id":       "vendorId",
		"department_id":   "departmentId",
		"vendor_category": "vendorCategory",
		"project_id":      "projectId",
	} {
		if v := req.GetString(arg, ""); v != "" {
			tx[field] = v
		}
	}
	for _, required := range []string{"id", "amount", "timestamp"} {
		if _, ok := tx[required]; !ok {
			return mcp.NewToolResultError(required + " is required"), nil
		}
	}

	raw, err := h.client.ScoreTransaction(ctx, tx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score transaction: %v", err)), nil
	}

	text, err := formatScored(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse score: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleResolveVendor maps raw vendor spellings to canonical ids.
func (h *Handlers) HandleResolveVendor(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids := stringList(req.GetArguments()["vendor_ids"])
	if len(ids) == 0 {
		return mcp.NewToolResultError("vendor_ids is required"), nil
	}

	raw, err := h.client.ResolveVendors(ctx, ids)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve vendors: %v", err)), nil
	}

	var resp struct {
		Resolved map[string]string `json:"resolved"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse resolution: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Vendor Resolution:\n")
	for _, id := range ids {
		fmt.Fprintf(&sb, "  %q -> %s\n", id, resp.Resolved[id])
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSubmitFeedback records a dismiss or escalate decision.
func (h *Handlers) HandleSubmitFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vendor := req.GetString("vendor_id", "")
	if vendor == "" {
		return mcp.NewToolResultError("vendor_id is required"), nil
	}
	action := req.GetString("action", "")
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}

	raw, err := h.client.SubmitFeedback(ctx, vendor,
		req.GetString("transaction_id", ""), action, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit feedback: %v", err)), nil
	}

	var resp struct {
		Feedback feedbackEntry `json:"feedback"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse feedback: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Feedback recorded.\n\nID: %s\nVendor: %s\nAction: %s\n",
		resp.Feedback.ID, resp.Feedback.CanonicalVendorID, resp.Feedback.Action)), nil
}

// HandleGetVendorFeedback returns feedback counts and recent entries.
func (h *Handlers) HandleGetVendorFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vendor := req.GetString("vendor_id", "")
	if vendor == "" {
		return mcp.NewToolResultError("vendor_id is required"), nil
	}

	raw, err := h.client.GetVendorFeedback(ctx, vendor, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get feedback: %v", err)), nil
	}

	text, err := formatFeedback(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse feedback: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- response shapes ---

type scoredView struct {
	ID              string   `json:"id"`
	Amount          string   `json:"amount"`
	DepartmentID    string   `json:"departmentId"`
	CanonicalVendor string   `json:"canonicalVendor"`
	RiskScore       float64  `json:"riskScore"`
	RiskLevel       string   `json:"riskLevel"`
	Flags           []string `json:"flags"`
	Explanation     []string `json:"explanation"`
	Skipped         []string `json:"skippedDetectors"`
	Degraded        bool     `json:"degraded"`
}

type feedbackEntry struct {
	ID                string `json:"id"`
	CanonicalVendorID string `json:"canonicalVendorId"`
	TransactionID     string `json:"transactionId"`
	Action            string `json:"action"`
	Reason            string `json:"reason"`
	Timestamp         string `json:"timestamp"`
}

func formatScored(raw json.RawMessage) (string, error) {
	var resp struct {
		Transaction *scoredView `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	s := resp.Transaction
	if s == nil {
		return "", fmt.Errorf("response has no transaction")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s\n", s.ID)
	if s.CanonicalVendor != "" {
		fmt.Fprintf(&sb, "  Vendor: %s\n", s.CanonicalVendor)
	}
	if s.Amount != "" {
		fmt.Fprintf(&sb, "  Amount: %s\n", s.Amount)
	}
	fmt.Fprintf(&sb, "  Risk: %.4f (%s)\n", s.RiskScore, s.RiskLevel)
	if len(s.Flags) > 0 {
		fmt.Fprintf(&sb, "  Flags: %s\n", strings.Join(s.Flags, ", "))
	}
	if s.Degraded {
		fmt.Fprintf(&sb, "  Degraded: skipped %s\n", strings.Join(s.Skipped, ", "))
	}
	if len(s.Explanation) > 0 {
		sb.WriteString("\nExplanation:\n")
		for _, line := range s.Explanation {
			fmt.Fprintf(&sb, "  - %s\n", line)
		}
	}
	return sb.String(), nil
}

func formatFeedback(raw json.RawMessage) (string, error) {
	var resp struct {
		CanonicalVendorID string `json:"canonicalVendorId"`
		Counts            struct {
			Dismiss  int `json:"dismiss"`
			Escalate int `json:"escalate"`
		} `json:"counts"`
		Entries []feedbackEntry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Feedback for %s:\n", resp.CanonicalVendorID)
	fmt.Fprintf(&sb, "  Dismissed: %d\n  Escalated: %d\n", resp.Counts.Dismiss, resp.Counts.Escalate)
	if len(resp.Entries) == 0 {
		sb.WriteString("\nNo entries.\n")
		return sb.String(), nil
	}
	sb.WriteString("\nRecent:\n")
	for _, e := range resp.Entries {
		fmt.Fprintf(&sb, "  %s %s", e.Timestamp, e.Action)
		if e.TransactionID != "" {
			fmt.Fprintf(&sb, " (%s)", e.TransactionID)
		}
		if e.Reason != "" {
			fmt.Fprintf(&sb, ": %s", e.Reason)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// stringList accepts a JSON array of strings or a single comma separated string.
func stringList(v any) []string {
	var out []string
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range x {
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(x, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
