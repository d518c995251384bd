// Package botserver exposes the delivery flow as MCP tools. Each chat event
// (search, page, select, watch, download, top-up) is one tool call that
// returns the rendered payload as structured output.
package botserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/anatolykoptev/go_vidbot/internal/delivery"
	"github.com/anatolykoptev/go_vidbot/internal/engine"
)

// Flow is the set of transport events the tools forward.
// Implemented by *delivery.Service.
type Flow interface {
	OnSearch(ctx context.Context, userID, query string) (delivery.Payload, error)
	OnPaginate(ctx context.Context, userID string, page int) (delivery.Payload, error)
	OnSelect(ctx context.Context, userID string, index int) (delivery.Payload, error)
	OnBack(ctx context.Context, userID string) (delivery.Payload, error)
	OnRequestWatch(ctx context.Context, userID string, index int) (delivery.Payload, error)
	OnConfirmWatch(ctx context.Context, userID string, index int) (delivery.Payload, error)
	OnCancelWatch(ctx context.Context, userID string, index int) (delivery.Payload, error)
	OnConfirmDownload(ctx context.Context, userID string, index int) (delivery.Payload, error)
	OnTopUp(ctx context.Context, userID string, amount int64) (delivery.Payload, error)
	OnBalance(ctx context.Context, userID string) (delivery.Payload, error)
}

// --- Inputs ---

type UserInput struct {
	UserID string `json:"user_id" jsonschema:"Chat user identifier"`
}

type SearchInput struct {
	UserID string `json:"user_id" jsonschema:"Chat user identifier"`
	Query  string `json:"query" jsonschema:"Search keywords"`
}

type PageInput struct {
	UserID string `json:"user_id" jsonschema:"Chat user identifier"`
	Page   int    `json:"page" jsonschema:"0-based page of the current result list"`
}

type ItemInput struct {
	UserID string `json:"user_id" jsonschema:"Chat user identifier"`
	Index  int    `json:"index" jsonschema:"0-based result index (item number minus one)"`
}

type TopUpInput struct {
	UserID string `json:"user_id" jsonschema:"Chat user identifier"`
	Amount int64  `json:"amount" jsonschema:"Whole currency units to add, must be positive"`
}

// --- Outputs ---

// Reply is a tool's structured output. Expected flow failures (no funds,
// expired session, out of range) come back as Code and Error alongside the
// payload to render instead of failing the call.
type Reply struct {
	Payload delivery.Payload `json:"payload"`
	Code    string           `json:"code,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// OutboxOutput lists the deliveries drained for a user.
type OutboxOutput struct {
	Deliveries []Delivery `json:"deliveries"`
}

// errorCodes maps flow sentinels onto stable reply codes.
var errorCodes = []struct {
	err  error
	code string
}{
	{engine.ErrInsufficientFunds, "insufficient_funds"},
	{engine.ErrSessionExpired, "session_expired"},
	{engine.ErrOutOfRange, "out_of_range"},
	{engine.ErrResolutionFailed, "not_available"},
	{engine.ErrSuperseded, "superseded"},
	{engine.ErrInvalidAmount, "invalid_amount"},
	{engine.ErrUpstreamTimeout, "try_again"},
	{engine.ErrUpstreamUnavailable, "try_again"},
}

// ErrorCode returns the reply code for err, or "" if err is not an
// expected flow failure.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}

func reply(p delivery.Payload, err error) (*mcp.CallToolResult, Reply, error) {
	if err == nil {
		return nil, Reply{Payload: p}, nil
	}
	code := ErrorCode(err)
	if code == "" {
		return nil, Reply{}, err
	}
	return nil, Reply{Payload: p, Code: code, Error: err.Error()}, nil
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user_id is required")
	}
	return nil
}

// tools binds tool handlers to a flow and an outbox.
type tools struct {
	flow   Flow
	outbox *Outbox
}

// RegisterTools registers the vidbot_* tools on server. outbox may be nil,
// in which case vidbot_outbox is not registered.
func RegisterTools(server *mcp.Server, flow Flow, outbox *Outbox) int {
	t := &tools{flow: flow, outbox: outbox}
	n := 0
	add := func(reg func(*mcp.Server)) {
		reg(server)
		n++
	}

	add(t.registerSearch)
	add(t.registerPaginate)
	add(t.registerSelect)
	add(t.registerBack)
	add(t.registerWatch)
	add(t.registerWatchConfirm)
	add(t.registerWatchCancel)
	add(t.registerDownload)
	add(t.registerTopUp)
	add(t.registerBalance)
	if outbox != nil {
		add(t.registerOutbox)
	}
	return n
}

func (t *tools) registerSearch(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vidbot_search",
		Description: "Search the video site and start a new result list for the user. Returns page 0 (5 items) with pagination. Registers the user with the opening balance on first contact.",
	}, t.search)
}

func (t *tools) search(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, Reply, error) {
	if err := requireUser(in.UserID); err != nil {
		return nil, Reply{}, err
	}
	return reply(t.flow.OnSearch(ctx, in.UserID, in.Query))
}

func (t *tools) registerPaginate(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vidbot_paginate",
		Description: "Show another page of the user's current result list. Without a result list this is a no-op.",
	}, t.paginate)
}

func (t *tools) paginate(ctx context.Context, _ *mcp.CallToolRequest, in PageInput) (*mcp.CallToolResult, Reply, error) {
	if err := requireUser(in.UserID); err != nil {
		return nil, Reply{}, err
	}
	return reply(t.flow.OnPaginate(ctx, in.UserID, in.Page))
}

func (t *tools) registerSelect(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vidbot_select",
		Description: "Preview one result. Resolves the playable stream and, when the user can afford it, reserves the watch cost. Download is always offered.",
	}, t.selectItem)
}

func (t *tools) selectItem(ctx context.Context, _ *mcp.CallToolRequest, in ItemInput) (*mcp.CallToolResult, Reply, error) {
	if err := requireUser(in.UserID); err != nil {
		return nil, Reply{}, err
	}
	return reply(t.flow.OnSelect(ctx, in.UserID, in.Index))
}

func (t *tools) registerBack(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vidbot_back",
		Description: "Return from a preview to the result list page it came from.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in UserInput) (*mcp.CallToolResult, Reply, error) {
		if err := requireUser(in.UserID); err != nil {
			return nil, Reply{}, err
		}
		return reply(t.flow.OnBack(ctx, in.UserID))
	})
}

func (t *tools) registerWatch(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vidbot_watch",
		Description: "Ask to watch the previewed item. Returns a confirmation prompt; the stream link is only disclosed by vidbot_watch_confirm.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ItemInput) (*mcp.CallToolResult, Reply, error) {
		if err := requireUser(in.UserID); err != nil {
			return nil, Reply{}, err
		}
		return reply(t.flow.OnRequestWatch(ctx, in.UserID, in.Index))
	})
}

func (t *tools) registerWatchConfirm(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vidbot_watch_confirm",
		Description: "Confirm a pending watch and disclose the stream link. Nothing more is charged.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ItemInput) (*mcp.CallToolResult, Reply, error) {
		if err := requireUser(in.UserID); err != nil {
			return nil, Reply{}, err
		}
		return reply(t.flow.OnConfirmWatch(ctx, in.UserID, in.Index))
	})
}

func (t *tools) registerWatchCancel(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vidbot_watch_cancel",
		Description: "Cancel a pending watch and go back to the preview.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ItemInput) (*mcp.CallToolResult, Reply, error) {
		if err := requireUser(in.UserID); err != nil {
			return nil, Reply{}, err
		}
		return reply(t.flow.OnCancelWatch(ctx, in.UserID, in.Index))
	})
}

func (t *tools) registerDownload(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vidbot_download",
		Description: "Buy and download the previewed item. Charges the download cost, fetches the file and queues it in the user's outbox.",
	}, t.download)
}

func (t *tools) download(ctx context.Context, _ *mcp.CallToolRequest, in ItemInput) (*mcp.CallToolResult, Reply, error) {
	if err := requireUser(in.UserID); err != nil {
		return nil, Reply{}, err
	}
	return reply(t.flow.OnConfirmDownload(ctx, in.UserID, in.Index))
}

func (t *tools) registerTopUp(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vidbot_topup",
		Description: "Add funds to the user's balance. Registers the user first if needed.",
	}, t.topUp)
}

func (t *tools) topUp(ctx context.Context, _ *mcp.CallToolRequest, in TopUpInput) (*mcp.CallToolResult, Reply, error) {
	if err := requireUser(in.UserID); err != nil {
		return nil, Reply{}, err
	}
	if in.Amount <= 0 {
		return nil, Reply{}, fmt.Errorf("amount must be positive, got %d", in.Amount)
	}
	return reply(t.flow.OnTopUp(ctx, in.UserID, in.Amount))
}

func (t *tools) registerBalance(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vidbot_balance",
		Description: "Show the user's total and available balance.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in UserInput) (*mcp.CallToolResult, Reply, error) {
		if err := requireUser(in.UserID); err != nil {
			return nil, Reply{}, err
		}
		return reply(t.flow.OnBalance(ctx, in.UserID))
	})
}

func (t *tools) registerOutbox(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vidbot_outbox",
		Description: "Fetch and clear the files and messages delivered to the user since the last call.",
	}, t.drain)
}

func (t *tools) drain(_ context.Context, _ *mcp.CallToolRequest, in UserInput) (*mcp.CallToolResult, OutboxOutput, error) {
	if err := requireUser(in.UserID); err != nil {
		return nil, OutboxOutput{}, err
	}
	return nil, OutboxOutput{Deliveries: t.outbox.Drain(in.UserID)}, nil
}
