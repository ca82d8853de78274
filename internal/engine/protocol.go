// Package engine owns the TCP connection to the keyboard-remapping
// engine: line-delimited JSON in both directions, reconnecting, with a
// background reader task and synchronous writes.
package engine

import (
	"encoding/json"
	"fmt"

	"switchd/internal/rules"
)

// DefaultHost and DefaultPort are the engine's documented defaults.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 10000
)

// inboundEnvelope is the shape used to sniff which of the two inbound
// message kinds a line carries, without committing to either payload
// type up front.
type inboundEnvelope struct {
	LayerChange *layerChangePayload `json:"LayerChange,omitempty"`
	LayerNames  *layerNamesPayload  `json:"LayerNames,omitempty"`
}

type layerChangePayload struct {
	New string `json:"new"`
}

type layerNamesPayload struct {
	Names []string `json:"names"`
}

// outbound message constructors. Each is enveloped as a single-key
// object matching the engine's wire format.

type changeLayerOut struct {
	ChangeLayer layerChangePayload `json:"ChangeLayer"`
}

type requestLayerNamesOut struct {
	RequestLayerNames struct{} `json:"RequestLayerNames"`
}

type actOnFakeKeyPayload struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

type actOnFakeKeyOut struct {
	ActOnFakeKey actOnFakeKeyPayload `json:"ActOnFakeKey"`
}

func encodeChangeLayer(layer string) ([]byte, error) {
	return json.Marshal(changeLayerOut{ChangeLayer: layerChangePayload{New: layer}})
}

func encodeRequestLayerNames() ([]byte, error) {
	return json.Marshal(requestLayerNamesOut{})
}

func encodeActOnFakeKey(name string, action rules.RawVkActionKind) ([]byte, error) {
	return json.Marshal(actOnFakeKeyOut{ActOnFakeKey: actOnFakeKeyPayload{Name: name, Action: string(action)}})
}

// inboundKind tags which (if any) known inbound message a decoded line
// carried. Anything else is protocol-unexpected and dropped silently.
type inboundKind int

const (
	inboundUnknown inboundKind = iota
	inboundLayerChange
	inboundLayerNames
)

func decodeInbound(line []byte) (inboundKind, inboundEnvelope, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return inboundUnknown, env, fmt.Errorf("engine: malformed line: %w", err)
	}
	switch {
	case env.LayerChange != nil:
		return inboundLayerChange, env, nil
	case env.LayerNames != nil:
		return inboundLayerNames, env, nil
	default:
		return inboundUnknown, env, nil
	}
}
