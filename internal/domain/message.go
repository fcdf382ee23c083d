package domain

import "github.com/google/uuid"

// Document is an attachment sent as a file rather than inline media.
type Document struct {
	Filename string
	MimeType string
	Data     []byte
	Caption  string
}

// Content is what is delivered to a single recipient.
type Content struct {
	Text     string
	Document *Document
}

// Message is a dispatch request fanned out to every recipient.
type Message struct {
	Recipients []string
	Content
}

// RecipientResult is the outcome of sending to one recipient.
type RecipientResult struct {
	Recipient string `json:"recipient"`
	Delivered bool   `json:"delivered"`
	MessageID string `json:"messageID,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DeliveryReceipt summarizes a dispatch.
type DeliveryReceipt struct {
	SessionID uuid.UUID         `json:"sessionID"`
	Success   bool              `json:"success"`
	Results   []RecipientResult `json:"results"`
}
