package bridge

import "encoding/json"

// Relay control messages are JSON objects discriminated by colibriClass.

const (
	ClassLastNChanged                   = "LastNChangedEvent"
	ClassSelectedEndpointsChanged       = "SelectedEndpointsChangedEvent"
	ClassReceiverVideoConstraintsChange = "ReceiverVideoConstraintsChangedEvent"
	ClassSourceVideoType                = "SourceVideoTypeMessage"
	ClassEndpointMessage                = "EndpointMessage"
)

type envelope struct {
	ColibriClass string `json:"colibriClass"`
}

type LastNChangedMessage struct {
	ColibriClass string `json:"colibriClass"`
	LastN        int    `json:"lastN"`
}

type SelectedEndpointsChangedMessage struct {
	ColibriClass      string   `json:"colibriClass"`
	SelectedEndpoints []string `json:"selectedEndpoints"`
}

type VideoConstraints struct {
	MaxHeight int `json:"maxHeight"`
}

type ReceiverVideoConstraintsMessage struct {
	ColibriClass       string                      `json:"colibriClass"`
	LastN              *int                        `json:"lastN,omitempty"`
	DefaultConstraints *VideoConstraints           `json:"defaultConstraints,omitempty"`
	Constraints        map[string]VideoConstraints `json:"constraints,omitempty"`
}

type SourceVideoTypeMessage struct {
	ColibriClass string `json:"colibriClass"`
	SourceName   string `json:"sourceName"`
	VideoType    string `json:"videoType"`
}

type EndpointMessage struct {
	ColibriClass string          `json:"colibriClass"`
	To           string          `json:"to,omitempty"`
	From         string          `json:"from,omitempty"`
	MsgPayload   json.RawMessage `json:"msgPayload"`
}
