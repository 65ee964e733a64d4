// Package codec encodes and decodes wire envelopes and validates inbound
// client frames against the closed type/action sets in src/types.
//
// Decoding fails closed: malformed input never panics and never terminates
// the caller's connection, matching the rest of the router's "reply, don't
// drop" philosophy.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/presencehub/hub/src/types"
)

// ParseError wraps a JSON decode failure for a raw inbound frame.
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %v", e.Cause) }
func (e *ParseError) Unwrap() error { return e.Cause }

// Encode serializes an envelope to its wire representation.
func Encode(env types.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a raw frame into an envelope. It never panics; malformed
// JSON or a wrong-shaped document is returned as a *ParseError.
func Decode(raw []byte) (types.Envelope, error) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.Envelope{}, &ParseError{Cause: err}
	}
	if env.Direction == "" {
		env.Direction = types.ClientToServer
	}
	return env, nil
}

// ValidateClient checks a decoded client envelope against the closed
// type/action sets and required-field rules from spec section 4.1. It does
// not apply the subscribe-payload reserved-type filter; that is the
// router's job since it needs to mutate the payload, not just judge it.
func ValidateClient(env types.Envelope) error {
	if env.ID == "" {
		return fmt.Errorf("%w: missing id", errMissingField)
	}
	if env.Type == "" {
		return fmt.Errorf("%w: missing type", errMissingField)
	}
	if !types.IsValidMessageType(env.Type) {
		return errInvalidType
	}
	if env.Action == "" {
		return fmt.Errorf("%w: missing action", errMissingField)
	}
	if !types.IsClientAction(env.Action) {
		return errInvalidAction
	}
	if env.Timestamp == 0 {
		return fmt.Errorf("%w: missing timestamp", errMissingField)
	}
	return nil
}

var (
	errMissingField  = fmt.Errorf("missing required field")
	errInvalidType   = fmt.Errorf("unknown message type")
	errInvalidAction = fmt.Errorf("unknown client action")
)

// ErrorCodeFor maps a ValidateClient/Decode failure to the wire ErrorCode
// the router should reply with.
func ErrorCodeFor(err error) types.ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errInvalidType):
		return types.ErrInvalidType
	case errors.Is(err, errInvalidAction):
		return types.ErrInvalidAction
	default:
		return types.ErrParse
	}
}

// FilterSubscriptionTypes drops the reserved error type from a requested
// subscription set, expanding nothing else. The caller decides what to do
// with an empty result (spec requires rejecting with SUBSCRIPTION_INVALID).
func FilterSubscriptionTypes(requested []types.MessageType) []types.MessageType {
	out := make([]types.MessageType, 0, len(requested))
	for _, t := range requested {
		if t == types.MessageError {
			continue
		}
		out = append(out, t)
	}
	return out
}
