package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// Frame is a message received from a relay. The concrete type is one of
// *Acknowledgement, *EventFrame, *EndOfStream or *Notice.
type Frame interface {
	RelayURL() string
}

// Acknowledgement is a relay's verdict on a published event
type Acknowledgement struct {
	Relay    string
	EventID  string
	Accepted bool
	Message  string
}

// EventFrame carries an event matching one of our subscriptions
type EventFrame struct {
	Relay          string
	SubscriptionID string
	Event          *types.Event
}

// EndOfStream marks the end of stored events for a subscription
type EndOfStream struct {
	Relay          string
	SubscriptionID string
}

// Notice is a human readable message from a relay
type Notice struct {
	Relay   string
	Message string
}

func (a *Acknowledgement) RelayURL() string { return a.Relay }
func (e *EventFrame) RelayURL() string      { return e.Relay }
func (e *EndOfStream) RelayURL() string     { return e.Relay }
func (n *Notice) RelayURL() string          { return n.Relay }

var ErrUnknownFrame = errors.New("unknown relay frame")

// EncodeEvent builds an ["EVENT", event] frame
func EncodeEvent(ev *types.Event) ([]byte, error) {
	return json.Marshal([]interface{}{"EVENT", ev})
}

// EncodeReq builds a ["REQ", subID, filter...] frame
func EncodeReq(subID string, filters []types.Filter) ([]byte, error) {
	frame := make([]interface{}, 0, len(filters)+2)
	frame = append(frame, "REQ", subID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	return json.Marshal(frame)
}

// EncodeClose builds a ["CLOSE", subID] frame
func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{"CLOSE", subID})
}

// DecodeFrame parses a raw relay message
func DecodeFrame(relayURL string, data []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("malformed frame: %v", err)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("frame too short: %d elements", len(parts))
	}

	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return nil, fmt.Errorf("frame label is not a string: %v", err)
	}

	switch label {
	case "EVENT":
		if len(parts) < 3 {
			return nil, fmt.Errorf("EVENT frame needs a subscription id and an event")
		}
		frame := &EventFrame{Relay: relayURL}
		if err := json.Unmarshal(parts[1], &frame.SubscriptionID); err != nil {
			return nil, fmt.Errorf("invalid subscription id: %v", err)
		}
		var ev types.Event
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			return nil, fmt.Errorf("invalid event: %v", err)
		}
		frame.Event = &ev
		return frame, nil

	case "OK":
		if len(parts) < 3 {
			return nil, fmt.Errorf("OK frame needs an event id and a verdict")
		}
		ack := &Acknowledgement{Relay: relayURL}
		if err := json.Unmarshal(parts[1], &ack.EventID); err != nil {
			return nil, fmt.Errorf("invalid event id: %v", err)
		}
		if err := json.Unmarshal(parts[2], &ack.Accepted); err != nil {
			return nil, fmt.Errorf("invalid verdict: %v", err)
		}
		if len(parts) > 3 {
			json.Unmarshal(parts[3], &ack.Message)
		}
		return ack, nil

	case "EOSE":
		eose := &EndOfStream{Relay: relayURL}
		if err := json.Unmarshal(parts[1], &eose.SubscriptionID); err != nil {
			return nil, fmt.Errorf("invalid subscription id: %v", err)
		}
		return eose, nil

	case "NOTICE":
		notice := &Notice{Relay: relayURL}
		if err := json.Unmarshal(parts[1], &notice.Message); err != nil {
			return nil, fmt.Errorf("invalid notice: %v", err)
		}
		return notice, nil

	case "CLOSED":
		// a relay ended one of our subscriptions; surfaced as a notice
		var subID, reason string
		json.Unmarshal(parts[1], &subID)
		if len(parts) > 2 {
			json.Unmarshal(parts[2], &reason)
		}
		return &Notice{Relay: relayURL, Message: fmt.Sprintf("subscription %s closed: %s", subID, reason)}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, label)
}
