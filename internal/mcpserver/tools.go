package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the stakehold MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolOpenEscrow = mcp.NewTool("open_escrow",
	mcp.WithDescription(
		"Open a two-party wager by staking tokens into a new escrow. "+
			"Your stake moves into a custody account controlled by the escrow program until "+
			"a counterparty joins, you cancel, or the outcome is declared."),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Stake in the mint's base units. The counterparty must match it exactly.")),
	mcp.WithString("mint",
		mcp.Required(),
		mcp.Description("Token mint address (0x-prefixed 32-byte hex)")),
	mcp.WithString("identifier",
		mcp.Description("Escrow identifier in canonical 36-character UUID form. Generated when omitted.")),
)

var ToolJoinEscrow = mcp.NewTool("join_escrow",
	mcp.WithDescription(
		"Join an open escrow by depositing a stake equal to the opener's. "+
			"After joining, the escrow can no longer be cancelled, only settled."),
	mcp.WithString("identifier",
		mcp.Required(),
		mcp.Description("Identifier of the escrow to join")),
)

var ToolCancelEscrow = mcp.NewTool("cancel_escrow",
	mcp.WithDescription(
		"Cancel an escrow you opened that nobody has joined yet. "+
			"Your stake and the custody rent deposit are returned to you."),
	mcp.WithString("identifier",
		mcp.Required(),
		mcp.Description("Identifier of the escrow to cancel")),
)

var ToolSettleEscrow = mcp.NewTool("settle_escrow",
	mcp.WithDescription(
		"Declare the outcome of a joined escrow. The winner receives both stakes and "+
			"the escrow is closed."),
	mcp.WithString("identifier",
		mcp.Required(),
		mcp.Description("Identifier of the escrow to settle")),
	mcp.WithString("winner",
		mcp.Required(),
		mcp.Description("Winning party's address (0x-prefixed 32-byte hex)")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up an escrow's stage, stake, custody balance and derived addresses."),
	mcp.WithString("identifier",
		mcp.Required(),
		mcp.Description("Identifier of the escrow")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List live escrows, newest first. Filter by stage to find wagers waiting for a counterparty."),
	mcp.WithString("stage",
		mcp.Description("Only return escrows in this stage"),
		mcp.Enum("initialized", "deposited")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_escrows result to fetch the next page")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your token balance for a mint, using your associated token account."),
	mcp.WithString("mint",
		mcp.Required(),
		mcp.Description("Token mint address (0x-prefixed 32-byte hex)")),
)
