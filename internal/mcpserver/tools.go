// Package mcpserver registers MCP tools that expose the chat client.
// It adapts the sync engine and call machine to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/relay-chat/internal/call"
	"github.com/alexjbarnes/relay-chat/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	apperrors "github.com/alexjbarnes/relay-chat/internal/errors"
)

// Conversations is the part of the sync engine the tools use.
type Conversations interface {
	Summaries() []models.Counterparty
	Open(ctx context.Context, counterpartyID int64) (*models.Room, error)
	Messages(roomID int64) []models.Message
	LoadOlder(ctx context.Context, roomID int64) (bool, error)
	ResolveRoom(ctx context.Context, counterpartyID int64) (int64, error)
	Submit(content string, roomID, receiverID int64) (string, error)
}

// Calls is the part of the call machine the tools use.
type Calls interface {
	Snapshot() call.Snapshot
	EndCall()
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, convs Conversations, calls Calls) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_conversations",
		Description: "List every counterparty with presence, unread count and the last message preview, most recent first. Use this first to find user and room ids.",
	}, listHandler(convs))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open",
		Description: "Open the conversation with a user. Resolves the room, marks it read and returns the newest page of messages.",
	}, openHandler(convs))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_history",
		Description: "Return the loaded messages of an open room, oldest first. Set older to fetch one more page of history first.",
	}, historyHandler(convs))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a text message to a user. The message appears immediately as SENT and is reconciled when the relay echoes it.",
	}, sendHandler(convs))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "call_status",
		Description: "Report the current call: state, mode, remote party, mute flag and elapsed seconds.",
	}, callStatusHandler(calls))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "call_end",
		Description: "Hang up the current call, if any, and release its media.",
	}, callEndHandler(calls))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput has no parameters.
type ListInput struct{}

// OpenInput holds parameters for chat_open.
type OpenInput struct {
	UserID int64 `json:"user_id" jsonschema:"required,id of the user to chat with"`
}

// HistoryInput holds parameters for chat_history.
type HistoryInput struct {
	RoomID int64 `json:"room_id" jsonschema:"required,room id returned by chat_open"`
	Older  bool  `json:"older,omitempty" jsonschema:"load one more page of older messages first"`
	Limit  int   `json:"limit,omitempty" jsonschema:"return only the newest N messages, 0 means all loaded"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	UserID  int64  `json:"user_id" jsonschema:"required,id of the receiving user"`
	RoomID  int64  `json:"room_id,omitempty" jsonschema:"room id if known, resolved from user_id otherwise"`
	Content string `json:"content" jsonschema:"required,message text"`
}

// CallInput has no parameters.
type CallInput struct{}

// --- Output types ---

// ListResult is returned by chat_list_conversations.
type ListResult struct {
	Conversations []ConversationView `json:"conversations"`
}

// ConversationView is a counterparty as shown to tool callers.
// Timestamps are RFC 3339 strings so the inferred output schema stays
// flat.
type ConversationView struct {
	UserID        int64  `json:"user_id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Online        bool   `json:"online"`
	UnreadCount   int    `json:"unread_count"`
	RoomID        int64  `json:"room_id,omitempty"`
	LastPreview   string `json:"last_preview,omitempty"`
	LastMessageAt string `json:"last_message_at,omitempty"`
}

// MessageView is a message as shown to tool callers.
type MessageView struct {
	ID              int64         `json:"id,omitempty"`
	ClientMessageID string        `json:"client_message_id,omitempty"`
	SenderID        int64         `json:"sender_id"`
	Own             bool          `json:"own"`
	Content         string        `json:"content"`
	Status          models.Status `json:"status"`
	Timestamp       string        `json:"timestamp,omitempty"`
}

// HistoryResult is returned by chat_open and chat_history.
type HistoryResult struct {
	RoomID   int64         `json:"room_id"`
	UserID   int64         `json:"user_id,omitempty"`
	Name     string        `json:"name,omitempty"`
	More     bool          `json:"more"`
	Messages []MessageView `json:"messages"`
}

// SendResult is returned by chat_send.
type SendResult struct {
	ClientMessageID string `json:"client_message_id"`
	RoomID          int64  `json:"room_id"`
}

// CallResult is returned by call_status and call_end.
type CallResult struct {
	State       string `json:"state"`
	Mode        string `json:"mode,omitempty"`
	Remote      string `json:"remote,omitempty"`
	Muted       bool   `json:"muted"`
	Elapsed     int    `json:"elapsed_seconds"`
	RemoteMedia bool   `json:"remote_media"`
}

// --- Handlers ---

func listHandler(convs Conversations) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, *ListResult, error) {
		list := convs.Summaries()

		result := &ListResult{Conversations: make([]ConversationView, 0, len(list))}
		for _, cp := range list {
			v := ConversationView{
				UserID:      cp.UserID,
				Name:        cp.Name,
				Email:       cp.Email,
				Online:      cp.Online,
				UnreadCount: cp.UnreadCount,
				RoomID:      cp.RoomID,
				LastPreview: cp.LastPreview,
			}

			if cp.LastMessageAt != nil {
				v.LastMessageAt = stamp(*cp.LastMessageAt)
			}

			result.Conversations = append(result.Conversations, v)
		}

		return textResult(result), result, nil
	}
}

func openHandler(convs Conversations) mcp.ToolHandlerFor[OpenInput, *HistoryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OpenInput) (*mcp.CallToolResult, *HistoryResult, error) {
		if input.UserID <= 0 {
			return nil, nil, fmt.Errorf("user_id is required")
		}

		room, err := convs.Open(ctx, input.UserID)
		if err != nil {
			return nil, nil, err
		}

		result := &HistoryResult{
			RoomID:   room.RoomID,
			UserID:   room.ParticipantID,
			Name:     room.ParticipantName,
			More:     true,
			Messages: views(convs.Messages(room.RoomID), 0),
		}

		return textResult(result), result, nil
	}
}

func historyHandler(convs Conversations) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, *HistoryResult, error) {
		result := &HistoryResult{RoomID: input.RoomID, More: true}

		if input.Older {
			more, err := convs.LoadOlder(ctx, input.RoomID)
			if err != nil {
				return nil, nil, err
			}

			result.More = more
		}

		result.Messages = views(convs.Messages(input.RoomID), input.Limit)

		return textResult(result), result, nil
	}
}

func sendHandler(convs Conversations) mcp.ToolHandlerFor[SendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendResult, error) {
		if strings.TrimSpace(input.Content) == "" {
			return nil, nil, apperrors.ErrEmptyMessage
		}

		roomID := input.RoomID
		if roomID <= 0 {
			var err error

			roomID, err = convs.ResolveRoom(ctx, input.UserID)
			if err != nil {
				return nil, nil, err
			}
		}

		id, err := convs.Submit(input.Content, roomID, input.UserID)
		if err != nil {
			return nil, nil, err
		}

		result := &SendResult{ClientMessageID: id, RoomID: roomID}

		return textResult(result), result, nil
	}
}

func callStatusHandler(calls Calls) mcp.ToolHandlerFor[CallInput, *CallResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ CallInput) (*mcp.CallToolResult, *CallResult, error) {
		result := callView(calls.Snapshot())
		return textResult(result), result, nil
	}
}

func callEndHandler(calls Calls) mcp.ToolHandlerFor[CallInput, *CallResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ CallInput) (*mcp.CallToolResult, *CallResult, error) {
		calls.EndCall()

		result := callView(calls.Snapshot())

		return textResult(result), result, nil
	}
}

func views(msgs []models.Message, limit int) []MessageView {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageView{
			ID:              m.ID,
			ClientMessageID: m.ClientMessageID,
			SenderID:        m.SenderID,
			Own:             m.Own,
			Content:         m.Content,
			Status:          m.Status,
			Timestamp:       stamp(m.Timestamp),
		})
	}

	return out
}

func stamp(t models.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func callView(s call.Snapshot) *CallResult {
	r := &CallResult{
		State:       s.State.String(),
		Remote:      s.Remote,
		Muted:       s.Muted,
		Elapsed:     s.Elapsed,
		RemoteMedia: s.RemoteMedia,
	}

	if s.State != call.StateIdle {
		r.Mode = string(s.Mode)
	}

	return r
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
