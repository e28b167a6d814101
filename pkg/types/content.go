// Package types defines the canonical, provider-agnostic data model for
// inference requests, responses, streaming chunks, and feedback. Provider
// adapters translate between these types and each backend's wire format.
package types

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates the content block union.
type BlockType string

const (
	// BlockText is plain text, or structured template arguments when the
	// serving variant renders a template for this role.
	BlockText BlockType = "text"

	// BlockRawText bypasses template rendering entirely.
	BlockRawText BlockType = "raw_text"

	// BlockThought carries model reasoning emitted by providers that expose it.
	BlockThought BlockType = "thought"
)

// ContentBlock is one element of a message body. Exactly one of Text or
// Arguments is set for BlockText; RawText blocks use Text only.
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ArgumentsBlock builds a text block carrying structured template arguments.
func ArgumentsBlock(args any) (ContentBlock, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return ContentBlock{}, fmt.Errorf("marshal template arguments: %w", err)
	}
	return ContentBlock{Type: BlockText, Arguments: raw}, nil
}

// Message is one role-tagged entry in the conversation input.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UnmarshalJSON accepts both the canonical block-list form and the shorthand
// where content is a bare string.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Role != RoleUser && wire.Role != RoleAssistant {
		return fmt.Errorf("invalid message role %q", wire.Role)
	}
	m.Role = wire.Role

	if len(wire.Content) == 0 {
		return fmt.Errorf("message content is required")
	}

	var text string
	if err := json.Unmarshal(wire.Content, &text); err == nil {
		m.Content = []ContentBlock{TextBlock(text)}
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(wire.Content, &blocks); err != nil {
		return fmt.Errorf("message content must be a string or a list of content blocks")
	}
	m.Content = blocks
	return nil
}

// Input is the structured body of an inference request: an optional system
// entry plus the ordered conversation messages. System may be a bare string
// or structured arguments for the variant's system template.
type Input struct {
	System   json.RawMessage `json:"system,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
}

// SystemText returns the system entry as text when it is a plain string.
func (in Input) SystemText() (string, bool) {
	if len(in.System) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(in.System, &s); err != nil {
		return "", false
	}
	return s, true
}
