// Package protocol implements the JSON encoding exchanged with the H-Button
// firmware over its notify and write characteristics.
//
// Messages use an externally tagged envelope with exactly one key:
//
//	{"HidStatus":{"encoder_position":-12,"mic_mute_button_press_count":3,"led_status":"On"}}
//	{"SetMicMuteIndicator":"Off"}
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	tagHidStatus           = "HidStatus"
	tagSetMicMuteIndicator = "SetMicMuteIndicator"
)

// LedStatus mirrors whether the mute indicator LED on the device is lit.
// The zero value is LedOff.
type LedStatus uint8

const (
	LedOff LedStatus = iota
	LedOn
)

func (s LedStatus) String() string {
	switch s {
	case LedOff:
		return "Off"
	case LedOn:
		return "On"
	default:
		return fmt.Sprintf("LedStatus(%d)", uint8(s))
	}
}

// MarshalJSON encodes the status as "On" or "Off".
func (s LedStatus) MarshalJSON() ([]byte, error) {
	switch s {
	case LedOff, LedOn:
		return json.Marshal(s.String())
	default:
		return nil, fmt.Errorf("protocol: invalid led status %d", uint8(s))
	}
}

// UnmarshalJSON accepts exactly "On" or "Off".
func (s *LedStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("protocol: led status: %w", err)
	}
	switch name {
	case "Off":
		*s = LedOff
	case "On":
		*s = LedOn
	default:
		return fmt.Errorf("protocol: unknown led status %q", name)
	}
	return nil
}

// HidStatus is the device state reported on the notify characteristic.
type HidStatus struct {
	EncoderPosition         int32     `json:"encoder_position"`
	MicMuteButtonPressCount uint32    `json:"mic_mute_button_press_count"`
	LedStatus               LedStatus `json:"led_status"`
}

// Kind identifies which variant a Message carries.
type Kind uint8

const (
	// KindHidStatus flows device -> host.
	KindHidStatus Kind = iota + 1
	// KindSetMicMuteIndicator flows host -> device.
	KindSetMicMuteIndicator
)

func (k Kind) String() string {
	switch k {
	case KindHidStatus:
		return tagHidStatus
	case KindSetMicMuteIndicator:
		return tagSetMicMuteIndicator
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is the wire envelope. Only the field matching Kind is meaningful.
type Message struct {
	Kind      Kind
	HidStatus HidStatus
	Indicator LedStatus
}

// NewHidStatus wraps s in a HidStatus message.
func NewHidStatus(s HidStatus) Message {
	return Message{Kind: KindHidStatus, HidStatus: s}
}

// NewIndicator wraps led in a SetMicMuteIndicator message.
func NewIndicator(led LedStatus) Message {
	return Message{Kind: KindSetMicMuteIndicator, Indicator: led}
}

// DecodeError reports a payload that is not a well-formed envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: decode: %s: %v", e.Reason, e.Err)
	}
	return "protocol: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

type hidStatusEnvelope struct {
	HidStatus HidStatus `json:"HidStatus"`
}

type indicatorEnvelope struct {
	SetMicMuteIndicator LedStatus `json:"SetMicMuteIndicator"`
}

// Encode serializes m. Output is deterministic and round-trips with Decode.
func Encode(m Message) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch m.Kind {
	case KindHidStatus:
		data, err = json.Marshal(hidStatusEnvelope{HidStatus: m.HidStatus})
	case KindSetMicMuteIndicator:
		data, err = json.Marshal(indicatorEnvelope{SetMicMuteIndicator: m.Indicator})
	default:
		return nil, fmt.Errorf("protocol: encode: unknown message kind %d", uint8(m.Kind))
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Kind, err)
	}
	return data, nil
}

// EncodeHidStatus is shorthand for Encode(NewHidStatus(s)).
func EncodeHidStatus(s HidStatus) ([]byte, error) {
	return Encode(NewHidStatus(s))
}

// EncodeIndicator is shorthand for Encode(NewIndicator(led)).
func EncodeIndicator(led LedStatus) ([]byte, error) {
	return Encode(NewIndicator(led))
}

// Decode parses a raw characteristic value. All failures are *DecodeError.
// Input is treated as untrusted radio data.
func Decode(data []byte) (Message, error) {
	// Firmware reads may hand back a NUL padded buffer.
	data = bytes.TrimRight(data, "\x00")
	if len(bytes.TrimSpace(data)) == 0 {
		return Message{}, &DecodeError{Reason: "empty payload"}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Message{}, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if len(envelope) != 1 {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("envelope has %d tags, want 1", len(envelope))}
	}
	if tag, dup := duplicateKey(data); dup {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("envelope repeats %s", tag)}
	}

	var (
		tag     string
		payload json.RawMessage
	)
	for tag, payload = range envelope {
	}
	if isNull(payload) {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("%s payload is null", tag)}
	}

	switch tag {
	case tagHidStatus:
		s, err := decodeHidStatus(payload)
		if err != nil {
			return Message{}, err
		}
		return NewHidStatus(s), nil
	case tagSetMicMuteIndicator:
		var led LedStatus
		if err := json.Unmarshal(payload, &led); err != nil {
			return Message{}, &DecodeError{Reason: "malformed SetMicMuteIndicator", Err: err}
		}
		return NewIndicator(led), nil
	default:
		return Message{}, &DecodeError{Reason: fmt.Sprintf("unknown tag %q", tag)}
	}
}

// DecodeHidStatus decodes data and requires it to be a HidStatus message.
func DecodeHidStatus(data []byte) (HidStatus, error) {
	msg, err := Decode(data)
	if err != nil {
		return HidStatus{}, err
	}
	if msg.Kind != KindHidStatus {
		return HidStatus{}, &DecodeError{Reason: fmt.Sprintf("unexpected %s message", msg.Kind)}
	}
	return msg.HidStatus, nil
}

func decodeHidStatus(payload json.RawMessage) (HidStatus, error) {
	// A map keeps field names exact; unknown fields are ignored.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return HidStatus{}, &DecodeError{Reason: "malformed HidStatus", Err: err}
	}
	if key, dup := duplicateKey(payload); dup {
		return HidStatus{}, &DecodeError{Reason: fmt.Sprintf("HidStatus repeats %s", key)}
	}

	var s HidStatus
	if err := decodeField(fields, "encoder_position", &s.EncoderPosition); err != nil {
		return HidStatus{}, err
	}
	if err := decodeField(fields, "mic_mute_button_press_count", &s.MicMuteButtonPressCount); err != nil {
		return HidStatus{}, err
	}
	if err := decodeField(fields, "led_status", &s.LedStatus); err != nil {
		return HidStatus{}, err
	}
	return s, nil
}

func decodeField(fields map[string]json.RawMessage, name string, dst any) error {
	raw, ok := fields[name]
	if !ok {
		return &DecodeError{Reason: "HidStatus missing " + name}
	}
	if isNull(raw) {
		return &DecodeError{Reason: "HidStatus " + name + " is null"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &DecodeError{Reason: "malformed " + name, Err: err}
	}
	return nil
}

// duplicateKey reports the first key that appears twice in the JSON object
// raw. raw must already be known to be valid JSON.
func duplicateKey(raw []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", false
	}
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		key, ok := tok.(string)
		if !ok {
			return "", false
		}
		if seen[key] {
			return key, true
		}
		seen[key] = true
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return "", false
		}
	}
	return "", false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
