// Package protocol defines the Stratum wire envelope and typed message
// bodies, and validates untyped JSON into them before dispatch. Grounded on
// internal/slave/stratum.go's StratumRequest/StratumResponse/StratumNotify
// envelope types, generalized to the {id, method, body} envelope and the
// mining.* method set of spec §4.F.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire-level request/notification frame: {id, method, body}.
type Envelope struct {
	ID     uint32          `json:"id"`
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// ErrorEnvelope is the wire-level error frame: {id, error: {id, message}}.
type ErrorEnvelope struct {
	ID    uint32       `json:"id"`
	Error ErrorPayload `json:"error"`
}

// ErrorPayload carries the nested error id/message.
type ErrorPayload struct {
	ID      uint32 `json:"id"`
	Message string `json:"message"`
}

// Client -> server method names.
const (
	MethodSubscribe = "mining.subscribe"
	MethodSubmit    = "mining.submit"
	MethodGetStatus = "mining.get_status"
)

// Server -> client method names.
const (
	MethodSubscribed  = "mining.subscribed"
	MethodSetTarget   = "mining.set_target"
	MethodNotify      = "mining.notify"
	MethodWaitForWork = "mining.wait_for_work"
	MethodStatus      = "mining.status"
	MethodDisconnect  = "mining.disconnect"
	MethodSubmitted   = "mining.submitted"
)

// MalformedError is returned when a method body fails schema validation. It
// carries the original method name per spec §4.B.
type MalformedError struct {
	Method string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s body: %s", e.Method, e.Reason)
}

// SubscribeBody is the body of a client mining.subscribe request.
type SubscribeBody struct {
	Version       uint32 `json:"version"`
	PublicAddress string `json:"publicAddress"`
	Name          string `json:"name,omitempty"`
	Agent         string `json:"agent,omitempty"`
}

// SubscribedBody is the body of a server mining.subscribed notification.
type SubscribedBody struct {
	ClientID uint32 `json:"clientId"`
	Xn       string `json:"xn"`
}

// SetTargetBody is the body of a server mining.set_target notification.
type SetTargetBody struct {
	Target string `json:"target"`
}

// NotifyBody is the body of a server mining.notify notification.
type NotifyBody struct {
	MiningRequestID uint32 `json:"miningRequestId"`
	Header          string `json:"header"`
}

// SubmitBody is the body of a client mining.submit request.
type SubmitBody struct {
	MiningRequestID uint32 `json:"miningRequestId"`
	Randomness      string `json:"randomness"`
}

// SubmittedBody is the body of a server mining.submitted response.
type SubmittedBody struct {
	ID      uint32 `json:"id"`
	Result  bool   `json:"result"`
	Message string `json:"message,omitempty"`
}

// DisconnectBody is the body of a server mining.disconnect notification.
type DisconnectBody struct {
	Reason          string `json:"reason,omitempty"`
	VersionExpected uint32 `json:"versionExpected,omitempty"`
	BannedUntil     uint64 `json:"bannedUntil,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Decode parses one wire line into an Envelope. A malformed top-level frame
// (bad JSON, missing method) is reported so the caller can apply the
// malformed-request policy (spec §4.B / §7 ClientMalformed).
func Decode(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Method == "" {
		return env, fmt.Errorf("decode envelope: missing method")
	}
	return env, nil
}

// DecodeSubscribe validates and decodes a mining.subscribe body. Unknown
// top-level keys are tolerated by json.Unmarshal's default decode-into-struct
// behavior, satisfying "unknown top-level keys are stripped".
func DecodeSubscribe(body json.RawMessage) (SubscribeBody, error) {
	var b SubscribeBody
	if err := json.Unmarshal(body, &b); err != nil {
		return b, &MalformedError{Method: MethodSubscribe, Reason: err.Error()}
	}
	if b.PublicAddress == "" {
		return b, &MalformedError{Method: MethodSubscribe, Reason: "publicAddress is required"}
	}
	return b, nil
}

// DecodeSubmit validates and decodes a mining.submit body.
func DecodeSubmit(body json.RawMessage) (SubmitBody, error) {
	var b SubmitBody
	if err := json.Unmarshal(body, &b); err != nil {
		return b, &MalformedError{Method: MethodSubmit, Reason: err.Error()}
	}
	if len(b.Randomness) != 16 {
		return b, &MalformedError{Method: MethodSubmit, Reason: "randomness must be 8 bytes (16 hex chars)"}
	}
	return b, nil
}

// Marshal encodes a method + typed body into a wire Envelope JSON line
// (without the trailing newline; the caller appends it).
func Marshal(id uint32, method string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", method, err)
	}
	return json.Marshal(Envelope{ID: id, Method: method, Body: raw})
}

// MarshalError encodes an error envelope.
func MarshalError(id uint32, message string) ([]byte, error) {
	return json.Marshal(ErrorEnvelope{ID: id, Error: ErrorPayload{ID: id, Message: message}})
}
