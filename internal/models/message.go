package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message represents a single entry in the conversation history. The canonical content lives in
// Content.Parts, an ordered sequence of typed fragments; the scalar Text and Images views are kept
// in sync with it for compatibility with histories written by older versions of the panel.
//
// The oldest history format stored text and images at the top level of the message instead of
// under content; those fields are retained here so such records can still be decoded, and
// Normalize folds them into the canonical shape.
type Message struct {
	ID        string  `json:"id"`
	Role      Role    `json:"role"`
	Timestamp int64   `json:"timestamp"`
	Content   Content `json:"content"`

	// ProcessingTime is the elapsed wall-clock seconds the external call took, formatted with
	// one decimal place. Only assistant messages carry it.
	ProcessingTime string `json:"processingTime,omitempty"`

	LegacyText   string   `json:"text,omitempty"`
	LegacyImages []string `json:"images,omitempty"`
}

// Content holds the body of a message. Parts preserves the original interleaving of text and
// image fragments; Text is the concatenation of all text parts and Images the ordered list of
// all image parts' contents.
type Content struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
	Parts  []Part   `json:"parts,omitempty"`
}

// Part is a single typed fragment within a message's content. For text parts Content is the plain
// text; for image parts it is a self-describing data URI (data:<mime>;base64,<payload>).
type Part struct {
	Type    PartType `json:"type"`
	Content string   `json:"content"`
}

// Role represents the author of a message.
type Role string

// PartType represents the kind of a content fragment.
type PartType string

const (
	// RoleUser marks a message entered by the user.
	RoleUser Role = "user"
	// RoleAssistant marks a reply produced by the external model.
	RoleAssistant Role = "assistant"

	// PartTypeText marks a plain-text fragment.
	PartTypeText PartType = "text"
	// PartTypeImage marks an inline image fragment encoded as a data URI.
	PartTypeImage PartType = "image"
)

// NewID generates a message id unique enough for a single-user local session, combining the
// current time with a random suffix.
func NewID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.New().String())
}

// NewContent builds a canonical Content from plain text and a list of image data URIs, emitting
// one text part followed by one part per image.
func NewContent(text string, images []string) Content {
	c := Content{
		Text:   text,
		Images: slices.Clone(images),
	}
	if text != "" {
		c.Parts = append(c.Parts, Part{Type: PartTypeText, Content: text})
	}
	for _, img := range images {
		c.Parts = append(c.Parts, Part{Type: PartTypeImage, Content: img})
	}
	return c
}

// NewUserMessage creates a canonical user message from the current input text and pending images,
// stamped with the current time.
func NewUserMessage(text string, images []string) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleUser,
		Timestamp: time.Now().UnixMilli(),
		Content:   NewContent(text, images),
	}
}

// Normalize converts a message that may be in one of the historical shapes into the canonical
// parts-based shape. Top-level text/images are folded into content, messages without parts get
// them built from the scalar views (all text first as a single part, then each image in order),
// and pre-existing parts are preserved unchanged. The scalar views are rederived from the parts
// so they always agree with them.
//
// Normalize is pure and total: it never fails, and malformed input degrades to a message with
// empty content. Applying it twice yields the same result as applying it once.
func Normalize(m Message) Message {
	out := m

	// Fold the oldest format's top-level fields into content, but never clobber a populated one.
	if out.Content.Text == "" && len(out.Content.Images) == 0 && len(out.Content.Parts) == 0 {
		out.Content.Text = out.LegacyText
		out.Content.Images = slices.Clone(out.LegacyImages)
	}
	out.LegacyText = ""
	out.LegacyImages = nil

	if len(out.Content.Parts) == 0 {
		out.Content = NewContent(out.Content.Text, out.Content.Images)
		return out
	}

	var sb strings.Builder
	var images []string
	for _, p := range out.Content.Parts {
		switch p.Type {
		case PartTypeText:
			sb.WriteString(p.Content)
		case PartTypeImage:
			images = append(images, p.Content)
		}
	}
	out.Content.Text = sb.String()
	out.Content.Images = images
	return out
}

// NormalizeAll normalizes every message of a history slice.
func NormalizeAll(history []Message) []Message {
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = Normalize(m)
	}
	return out
}
