package ws

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// maxChannelIDLen bounds the channel-id length field in the binary frame
// format, per SPEC_FULL.md §4.8.
const maxChannelIDLen = 1024

// byteBlob decodes either a base64 string or a `{"0":byte,"1":byte,...}`
// object-of-indices, matching the client SDKs this protocol has to
// interoperate with.
type byteBlob []byte

func (b *byteBlob) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(asString)
		if err != nil {
			return fmt.Errorf("ws: invalid base64 payload: %w", err)
		}
		*b = decoded
		return nil
	}

	var asIndexMap map[string]byte
	if err := json.Unmarshal(data, &asIndexMap); err != nil {
		return fmt.Errorf("ws: payload is neither base64 nor an index map: %w", err)
	}
	out := make([]byte, len(asIndexMap))
	for k, v := range asIndexMap {
		var idx int
		if _, err := fmt.Sscanf(k, "%d", &idx); err != nil || idx < 0 || idx >= len(out) {
			return fmt.Errorf("ws: invalid byte index %q", k)
		}
		out[idx] = v
	}
	*b = out
	return nil
}

func (b byteBlob) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

// IncomingMessage is the text-frame protocol: {"type": "init"|"patch", ...}.
type IncomingMessage struct {
	Type      string   `json:"type"`
	ChannelID string   `json:"channelId"`
	InitState byteBlob `json:"initState,omitempty"`
	Delta     byteBlob `json:"delta,omitempty"`
}

const (
	msgTypeInit = "init"
	msgTypePatch = "patch"
)

// binary frame type bytes. Type 1 is deliberately reused for both
// client-sent Init and server-sent Scan, distinguished only by direction —
// an accepted asymmetry carried over unchanged from the source protocol.
const (
	binaryTypePatch    byte = 0
	binaryTypeInitScan byte = 1
)

// encodeBinaryFrame builds [type][len:u32 LE][channel_id][payload].
func encodeBinaryFrame(msgType byte, channelID string, payload []byte) []byte {
	idBytes := []byte(channelID)
	buf := make([]byte, 1+4+len(idBytes)+len(payload))
	buf[0] = msgType
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(idBytes)))
	copy(buf[5:5+len(idBytes)], idBytes)
	copy(buf[5+len(idBytes):], payload)
	return buf
}

// parsedBinaryFrame is a decoded binary frame in either direction.
type parsedBinaryFrame struct {
	Type      byte
	ChannelID string
	Payload   []byte
}

func parseBinaryFrame(data []byte) (parsedBinaryFrame, error) {
	if len(data) < 5 {
		return parsedBinaryFrame{}, fmt.Errorf("ws: binary frame too short")
	}
	msgType := data[0]
	idLen := binary.LittleEndian.Uint32(data[1:5])
	if idLen > maxChannelIDLen {
		return parsedBinaryFrame{}, fmt.Errorf("ws: channel id length %d exceeds maximum %d", idLen, maxChannelIDLen)
	}
	if uint32(len(data)-5) < idLen {
		return parsedBinaryFrame{}, fmt.Errorf("ws: binary frame truncated")
	}
	channelID := string(data[5 : 5+idLen])
	payload := data[5+idLen:]
	return parsedBinaryFrame{Type: msgType, ChannelID: channelID, Payload: payload}, nil
}

// EncodeScan builds the server->client reply to a successful Init: the full
// state-as-update for the channel.
func EncodeScan(channelID string, stateUpdate []byte) []byte {
	return encodeBinaryFrame(binaryTypeInitScan, channelID, stateUpdate)
}

// EncodePatch builds a Patch frame carrying an opaque CRDT delta.
func EncodePatch(channelID string, payload []byte) []byte {
	return encodeBinaryFrame(binaryTypePatch, channelID, payload)
}

// authSuccessFrame and errorFrame are the text frames sent during the auth
// middleware step.
type authSuccessFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newAuthSuccessFrame() authSuccessFrame {
	return authSuccessFrame{Type: "auth_success", Message: "Authentication successful"}
}
