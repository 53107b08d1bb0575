package notifications

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Inbound frame types sent by clients.
const (
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventCallRequest  = "call_request"
	EventCallResponse = "call_response"
	EventICECandidate = "ice_candidate"
	EventEndCall      = "end_call"
)

// Outbound frame types produced by the relay or the server.
const (
	EventIncomingCall    = "incoming_call"
	EventCallAnswered    = "call_answered"
	EventCallEnded       = "call_ended"
	EventNewMessage      = "new_message"
	EventMessageRead     = "message_read"
	EventAccountBanned   = "account_banned"
	EventUserStatus      = "user_status"
	EventError           = "error"
	EventMessagesDropped = "messages_dropped"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Frame is the envelope of every relay message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outboundFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// EncodeFrame marshals an outbound frame.
func EncodeFrame(eventType string, payload any) ([]byte, error) {
	return json.Marshal(outboundFrame{Type: eventType, Payload: payload})
}

type TypingPayload struct {
	ReceiverID uint `json:"receiverId"`
}

type CallRequestPayload struct {
	TargetUserID uint                       `json:"targetUserId"`
	Offer        *webrtc.SessionDescription `json:"offer"`
}

type CallResponsePayload struct {
	TargetUserID uint                       `json:"targetUserId"`
	Answer       *webrtc.SessionDescription `json:"answer"`
}

type ICECandidatePayload struct {
	TargetUserID uint                     `json:"targetUserId"`
	Candidate    *webrtc.ICECandidateInit `json:"candidate"`
}

type EndCallPayload struct {
	TargetUserID uint `json:"targetUserId"`
}

// UserRef identifies the user an event came from.
type UserRef struct {
	UserID uint `json:"userId"`
}

type IncomingCallPayload struct {
	CallerID uint                      `json:"callerId"`
	Offer    webrtc.SessionDescription `json:"offer"`
}

type CallAnsweredPayload struct {
	UserID uint                      `json:"userId"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type ICEForwardPayload struct {
	UserID    uint                    `json:"userId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type UserStatusPayload struct {
	UserID   uint      `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

type MessageReadPayload struct {
	MessageID uint `json:"messageId"`
	UserID    uint `json:"userId"`
}

type AccountBannedPayload struct {
	Reason      string     `json:"reason"`
	BannedUntil *time.Time `json:"bannedUntil"`
	Permanent   bool       `json:"permanent"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

var errMissingTarget = errors.New("targetUserId is required")

func decodePayload(raw json.RawMessage, dest any) error {
	if len(raw) == 0 {
		return errors.New("payload is required")
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// checkDescription verifies that desc is present and has the expected type.
// The SDP body is opaque to the relay and forwarded as sent.
func checkDescription(desc *webrtc.SessionDescription, field string, want ...webrtc.SDPType) error {
	if desc == nil || desc.SDP == "" {
		return fmt.Errorf("%s is required", field)
	}
	ok := false
	for _, w := range want {
		if desc.Type == w {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%s has unexpected type %q", field, desc.Type.String())
	}
	return nil
}
