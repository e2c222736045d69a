package proto

import "encoding/json"

// Frame tags carried in the "type" field of stream frames.
const (
	FrameTypePresence = "presence"
	FrameTypeMsg      = "msg"
)

// Content types a message body may carry.
const (
	ContentText   = "text"
	ContentVoice  = "voice"
	ContentImage  = "image"
	ContentVideo  = "video"
	ContentFile   = "file"
	ContentSystem = "system"
)

// Envelope is the outer shape of every stream frame. The variant is decoded
// from the same bytes once the tag is known.
type Envelope struct {
	Type string `json:"type"`
}

// Presence reports how many clients are subscribed to a room.
// Count stays raw so a non-numeric value can be ignored instead of failing the frame.
type Presence struct {
	Room  string          `json:"room,omitempty"`
	Count json.RawMessage `json:"count,omitempty"`
}

// Device is the sender as embedded by the server.
type Device struct {
	ID          int64  `json:"id,omitempty"`
	Label       string `json:"label,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	IP          string `json:"ip,omitempty"`
}

// Message is a chat message frame, also the normalized form of a history entry.
type Message struct {
	ID          int64   `json:"id,omitempty"`
	Room        string  `json:"room,omitempty"`
	Device      *Device `json:"device,omitempty"`
	ContentType string  `json:"content_type"`
	Content     *string `json:"content,omitempty"`
	FileRef     *string `json:"file_ref,omitempty"`
	MIME        string  `json:"mime,omitempty"`
	TS          string  `json:"ts,omitempty"`
}

// HistoryEntry is one row from GET /rooms/<room>/history.
type HistoryEntry struct {
	ID          int64   `json:"id"`
	Room        string  `json:"room"`
	DeviceLabel *string `json:"device_label"`
	IP          *string `json:"ip"`
	ContentType string  `json:"content_type"`
	Content     *string `json:"content"`
	FileRef     *string `json:"file_ref"`
	TS          string  `json:"ts"`
}

// AsMessage converts a history row to the stream message shape.
func (h HistoryEntry) AsMessage() Message {
	msg := Message{
		ID:          h.ID,
		Room:        h.Room,
		ContentType: h.ContentType,
		Content:     h.Content,
		FileRef:     h.FileRef,
		TS:          h.TS,
	}
	if h.DeviceLabel != nil {
		msg.Device = &Device{Label: *h.DeviceLabel}
	}
	return msg
}

// OutboundText is the body of POST /messages.
type OutboundText struct {
	Room        string `json:"room"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Label       string `json:"label,omitempty"`
}

// DeviceUpsert is the body of POST /device/upsert.
type DeviceUpsert struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	Label       string `json:"label,omitempty"`
}

// Result is the common {ok, id, ...} response of the REST endpoints.
type Result struct {
	OK        bool   `json:"ok"`
	ID        int64  `json:"id,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
	Category  string `json:"category,omitempty"`
}

// DeviceRecord is the response of POST /device/upsert.
type DeviceRecord struct {
	OK       bool   `json:"ok"`
	DeviceID int64  `json:"device_id"`
	Label    string `json:"label"`
	IPLast   string `json:"ip_last"`
}

// Upload form field names shared by the voice and blob endpoints.
const (
	FieldFile        = "file"
	FieldRoom        = "room"
	FieldFingerprint = "fingerprint"
	FieldLabel       = "label"
)
