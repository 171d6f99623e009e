package orchestrator

import "encoding/base64"

// wireFrame is one JSON message on the telephony media stream, in either
// direction. Unused fields stay nil and are omitted on the wire.
type wireFrame struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *startFrame `json:"start,omitempty"`
	Media     *mediaFrame `json:"media,omitempty"`
}

// startFrame is the payload of the inbound "start" event.
type startFrame struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

// mediaFrame carries one base64-encoded μ-law audio chunk.
type mediaFrame struct {
	Payload string `json:"payload"`
}

// Inbound event names.
const (
	eventStart = "start"
	eventMedia = "media"
	eventStop  = "stop"
)

// mediaWire builds an outbound audio frame for streamSID.
func mediaWire(streamSID string, audio []byte) wireFrame {
	return wireFrame{
		Event:     eventMedia,
		StreamSID: streamSID,
		Media:     &mediaFrame{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}

// clearWire builds the control frame that tells the far side to drop any
// buffered audio. Sent on barge-in.
func clearWire(streamSID string) wireFrame {
	return wireFrame{Event: "clear", StreamSID: streamSID}
}
