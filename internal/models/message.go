package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentType tags the variant held by Content.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// Content is the tagged union stored in messages.content_json.
// Text is set for text content; URL, MediaID and Caption for images.
type Content struct {
	Type     ContentType     `json:"type"`
	Text     string          `json:"text,omitempty"`
	URL      string          `json:"url,omitempty"`
	MediaID  string          `json:"media_id,omitempty"`
	Caption  string          `json:"caption,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

func ImageContent(mediaID, caption string) Content {
	return Content{
		Type:    ContentImage,
		URL:     MediaURL(mediaID),
		MediaID: mediaID,
		Caption: caption,
	}
}

// MediaURL is the API path serving a stored media artifact.
func MediaURL(mediaID string) string {
	return "/v1/media/" + mediaID
}

// Validate checks that the fields required by the variant are present.
func (c Content) Validate() error {
	switch c.Type {
	case ContentText:
		if c.Text == "" {
			return errors.New("text content requires text")
		}
	case ContentImage:
		if c.MediaID == "" {
			return errors.New("image content requires media_id")
		}
	default:
		return fmt.Errorf("unknown content type %q", c.Type)
	}
	return nil
}

// Message is an immutable utterance in a conversation. Messages are ordered
// by (CreatedAt, ID).
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        Content   `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Before reports whether m sorts before other.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
