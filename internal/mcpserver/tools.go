package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the risk MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScoreTransaction = mcp.NewTool("score_transaction",
	mcp.WithDescription(
		"Score a single public-spending transaction for fraud risk. "+
			"Returns a risk score between 0 and 1, a risk level (MINIMAL to CRITICAL), "+
			"the detector signals that fired and a plain-language explanation. "+
			"The transaction is compared against baselines and previously scored history."),
	mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Transaction identifier, unique within the dataset")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Payment amount as a decimal string (e.g. '150000.00')")),
	mcp.WithString("timestamp",
		mcp.Required(),
		mcp.Description("Payment time in RFC 3339 (e.g. '2024-03-04T10:00:00Z')")),
	mcp.WithString("vendor_id",
		mcp.Description("Vendor name or id as it appears in the source record")),
	mcp.WithString("department_id",
		mcp.Description("Paying department")),
	mcp.WithString("vendor_category",
		mcp.Description("Procurement category of the vendor (e.g. 'construction')")),
	mcp.WithString("project_id",
		mcp.Description("Project the payment is booked against, if any")),
)

var ToolResolveVendor = mcp.NewTool("resolve_vendor",
	mcp.WithDescription(
		"Resolve one or more raw vendor spellings to their canonical vendor id. "+
			"Spellings that differ only by case, spacing or small typos map to the same vendor."),
	mcp.WithArray("vendor_ids",
		mcp.Required(),
		mcp.Description("Raw vendor names to resolve"),
		mcp.WithStringItems()),
)

var ToolSubmitFeedback = mcp.NewTool("submit_feedback",
	mcp.WithDescription(
		"Record an auditor decision about a vendor's alerts. "+
			"Three or more dismissals lower that vendor's future scores; any escalation raises them."),
	mcp.WithString("vendor_id",
		mcp.Required(),
		mcp.Description("Vendor the decision applies to (raw or canonical)")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("'dismiss' for a false positive, 'escalate' for a confirmed concern"),
		mcp.Enum("dismiss", "escalate")),
	mcp.WithString("transaction_id",
		mcp.Description("Transaction that prompted the decision")),
	mcp.WithString("reason",
		mcp.Description("Free-text justification")),
)

var ToolGetVendorFeedback = mcp.NewTool("get_vendor_feedback",
	mcp.WithDescription(
		"Show dismiss and escalate counts plus recent auditor feedback for a vendor."),
	mcp.WithString("vendor_id",
		mcp.Required(),
		mcp.Description("Vendor name or canonical id")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 50)")),
)
