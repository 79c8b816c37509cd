package bus

import (
	"encoding/json"
	"fmt"
)

// JSONProcessor codes BroadcastMessage as JSON. Payload ([]byte) is carried
// as a base64 string per encoding/json's default []byte handling.
type JSONProcessor struct{}

func (JSONProcessor) Serialize(msg BroadcastMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("bus: json serialize: %w", err)
	}
	return data, nil
}

func (JSONProcessor) Deserialize(data []byte) (BroadcastMessage, error) {
	var msg BroadcastMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return BroadcastMessage{}, fmt.Errorf("bus: json deserialize: %w", err)
	}
	return msg, nil
}
