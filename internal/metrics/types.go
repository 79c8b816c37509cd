package metrics

import "time"

// MessageType classifies a DataTransferMetric row.
type MessageType string

const (
	MessageTypeInit      MessageType = "init"
	MessageTypePatch     MessageType = "patch"
	MessageTypeBroadcast MessageType = "broadcast"
)

// ConnectionSession tracks one WebSocket connection's lifecycle.
type ConnectionSession struct {
	ID             string
	AppID          string
	ConnectionID   string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	DurationMs     *int64
}

// Close computes the session's duration once it has disconnected.
func (s *ConnectionSession) Close(at time.Time) {
	s.DisconnectedAt = &at
	d := at.Sub(s.ConnectedAt).Milliseconds()
	s.DurationMs = &d
}

// DataTransferMetric records a single frame's size and fan-out for billing
// and observability.
type DataTransferMetric struct {
	ConnectionID    string
	ChannelID       string
	MessageType     MessageType
	MessageSizeBytes int
	RecipientCount  int
	CreatedAt       time.Time
}

// TotalBytesTransferred accounts for fan-out: one frame sent to N recipients
// moved N times the wire bytes.
func (m DataTransferMetric) TotalBytesTransferred() int {
	return m.MessageSizeBytes * m.RecipientCount
}
