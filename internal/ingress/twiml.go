package ingress

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
)

// TwiML rendering for the three voice responses the ingress produces: connect
// a media stream (with a voicemail fallback branch), politely reject, or an
// empty acknowledgement.

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

type streamVerb struct {
	URL       string      `xml:"url,attr"`
	Parameter []parameter `xml:"Parameter"`
}

type parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type connectVerb struct {
	Stream streamVerb `xml:"Stream"`
}

type recordVerb struct {
	Action             string `xml:"action,attr"`
	MaxLength          int    `xml:"maxLength,attr"`
	Transcribe         bool   `xml:"transcribe,attr"`
	TranscribeCallback string `xml:"transcribeCallback,attr"`
}

type streamResponse struct {
	XMLName xml.Name    `xml:"Response"`
	Connect connectVerb `xml:"Connect"`
	Say     string      `xml:"Say"`
	Record  recordVerb  `xml:"Record"`
}

type rejectResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     string   `xml:"Say"`
	Hangup  struct{} `xml:"Hangup"`
}

type emptyResponse struct {
	XMLName xml.Name `xml:"Response"`
}

// streamTwiML directs the provider to open the duplex media socket, with a
// voicemail recording branch should the socket path end.
func streamTwiML(publicURL, callSID, tenantID string) ([]byte, error) {
	wsBase := strings.Replace(publicURL, "https://", "wss://", 1)
	wsBase = strings.Replace(wsBase, "http://", "ws://", 1)
	wsURL := fmt.Sprintf("%s/media-stream?callSid=%s&tenantId=%s",
		strings.TrimSuffix(wsBase, "/"), url.QueryEscape(callSID), url.QueryEscape(tenantID))

	vmPath := "/voicemail-callback?tenantId=" + url.QueryEscape(tenantID)
	resp := streamResponse{
		Connect: connectVerb{Stream: streamVerb{
			URL:       wsURL,
			Parameter: []parameter{{Name: "tenantId", Value: tenantID}},
		}},
		Say: "We could not connect you to the assistant. Please leave a message after the beep.",
		Record: recordVerb{
			Action:             vmPath,
			MaxLength:          120,
			Transcribe:         true,
			TranscribeCallback: vmPath + "&type=transcription",
		},
	}
	return marshalTwiML(resp)
}

// rejectTwiML speaks message and hangs up.
func rejectTwiML(message string) ([]byte, error) {
	return marshalTwiML(rejectResponse{Say: message})
}

// emptyTwiML is the idempotent acknowledgement body.
func emptyTwiML() []byte {
	out, _ := marshalTwiML(emptyResponse{})
	return out
}

func marshalTwiML(v any) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("ingress: marshal twiml: %w", err)
	}
	return append([]byte(xmlHeader), body...), nil
}
