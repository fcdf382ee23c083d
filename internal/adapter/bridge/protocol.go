package bridge

import "github.com/pscheid92/sessiongate/internal/domain"

const (
	frameEvent = "event"
	frameSend  = "send"
	frameAck   = "ack"
)

// frame is the envelope for everything on the wire. Unused fields are omitted.
type frame struct {
	Type string `json:"type"`

	// event
	Event  string `json:"event,omitempty"`
	QR     string `json:"qr,omitempty"`
	Reason string `json:"reason,omitempty"`

	// send / ack
	ID        string         `json:"id,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Text      string         `json:"text,omitempty"`
	Document  *documentFrame `json:"document,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// documentFrame carries the file bytes base64-encoded by encoding/json.
type documentFrame struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
	Caption  string `json:"caption,omitempty"`
}

func sendFrame(id, recipient string, content domain.Content) frame {
	f := frame{Type: frameSend, ID: id, Recipient: recipient, Text: content.Text}
	if doc := content.Document; doc != nil {
		f.Document = &documentFrame{
			Filename: doc.Filename,
			MimeType: doc.MimeType,
			Data:     doc.Data,
			Caption:  doc.Caption,
		}
	}
	return f
}

// toEvent maps an event frame to a domain event. ok is false for kinds the
// gateway does not know.
func toEvent(f frame) (domain.Event, bool) {
	switch kind := domain.EventKind(f.Event); kind {
	case domain.EventQR:
		return domain.Event{Kind: kind, QRCode: f.QR}, true
	case domain.EventReady, domain.EventAuthenticated:
		return domain.Event{Kind: kind}, true
	case domain.EventDisconnected:
		return domain.Event{Kind: kind, Reason: domain.DisconnectReason(f.Reason)}, true
	default:
		return domain.Event{}, false
	}
}
