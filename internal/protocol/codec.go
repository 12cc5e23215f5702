package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned by Decode and Validate for messages that are
// malformed or missing fields required by their type.
var ErrInvalidMessage = errors.New("invalid signaling message")

// ErrChannelUnavailable reports that the signaling transport is down. Call
// attempts fail fast with it; the UI shows it as "cannot reach server".
var ErrChannelUnavailable = errors.New("signaling channel unavailable")

// Encode validates msg and serializes it for the signaling channel.
func Encode(msg *Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode parses and validates a signaling message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecodeClient parses a message a relay received from one of its clients.
// The relay stamps the sender of call messages itself, so From may be left
// empty.
func DecodeClient(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.validate(false); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks that the fields required by the message type are present.
func (m *Message) Validate() error {
	return m.validate(true)
}

func (m *Message) validate(requireFrom bool) error {
	switch m.Type {
	case TypeJoinRoom, TypeLeaveRoom, TypePeerJoined, TypePeerLeft:
		if m.RoomID == "" || m.Identity == "" {
			return fmt.Errorf("%w: %s requires roomId and identity", ErrInvalidMessage, m.Type)
		}

	case TypeJoinedRoom:
		if m.RoomID == "" {
			return fmt.Errorf("%w: %s requires roomId", ErrInvalidMessage, m.Type)
		}

	case TypeError:
		if m.Error == "" {
			return fmt.Errorf("%w: %s requires error", ErrInvalidMessage, m.Type)
		}

	case TypeCallOffer:
		if err := m.validateRoute(requireFrom); err != nil {
			return err
		}
		if m.Offer == nil || m.Offer.SDP == "" {
			return fmt.Errorf("%w: %s requires offer", ErrInvalidMessage, m.Type)
		}

	case TypeCallAnswer:
		if err := m.validateRoute(requireFrom); err != nil {
			return err
		}
		if m.Answer == nil || m.Answer.SDP == "" {
			return fmt.Errorf("%w: %s requires answer", ErrInvalidMessage, m.Type)
		}

	case TypeIceCandidate:
		if err := m.validateRoute(requireFrom); err != nil {
			return err
		}
		if m.Candidate == nil {
			return fmt.Errorf("%w: %s requires candidate", ErrInvalidMessage, m.Type)
		}

	case TypeHangup:
		return m.validateRoute(requireFrom)

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

func (m *Message) validateRoute(requireFrom bool) error {
	if m.To == "" || (requireFrom && m.From == "") {
		return fmt.Errorf("%w: %s requires from and to", ErrInvalidMessage, m.Type)
	}
	if m.From == m.To {
		return fmt.Errorf("%w: %s addressed to its sender", ErrInvalidMessage, m.Type)
	}
	return nil
}
