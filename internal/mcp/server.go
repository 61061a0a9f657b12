// Package mcp exposes the review surface over the Model Context
// Protocol, so operator tooling can list pending proposals, approve or
// reject them, and verify the ledger.
package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nkarpov/gavel/internal/model"
)

// Reviewer is the slice of the lifecycle coordinator the tools drive.
type Reviewer interface {
	Approve(ctx context.Context, id, reviewer string) (model.Proposal, error)
	Reject(ctx context.Context, id, reviewer, reason string) (model.Proposal, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (model.Proposal, error)
	List(ctx context.Context, state model.ProposalState, limit int) ([]model.Proposal, error)
}

// Config holds MCP server configuration.
type Config struct {
	LedgerPath string
	Reviewer   string // actor recorded on approvals made through MCP
}

// Server wraps the MCP SDK server with gavel review tools.
type Server struct {
	mcpServer  *mcpsdk.Server
	reviewer   Reviewer
	ledgerPath string
	actor      string
}

// New creates an MCP server over a coordinator.
func New(cfg Config, reviewer Reviewer) (*Server, error) {
	if cfg.LedgerPath == "" {
		return nil, fmt.Errorf("mcp: ledger path is required")
	}
	actor := cfg.Reviewer
	if actor == "" {
		actor = "mcp-operator"
	}

	s := &Server{
		reviewer:   reviewer,
		ledgerPath: cfg.LedgerPath,
		actor:      actor,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "gavel",
			Version: "0.1.0",
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all gavel tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gavel_pending",
		Description: "List proposals awaiting human approval.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gavel_status",
		Description: "Show the state and evidence trail of one proposal.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gavel_approve",
		Description: "Approve a proposal awaiting approval and apply its staged outputs.",
	}, s.handleApprove)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gavel_reject",
		Description: "Reject a proposal awaiting approval.",
	}, s.handleReject)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gavel_cancel",
		Description: "Cancel a proposal; a running sandbox is terminated.",
	}, s.handleCancel)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gavel_ledger_verify",
		Description: "Verify the hash chain of the audit ledger.",
	}, s.handleLedgerVerify)
}
