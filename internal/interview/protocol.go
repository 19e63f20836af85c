package interview

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aura-interview/backend/internal/models"
)

// Message types on the interview socket.
const (
	TypeUserMessage    = "user_message"
	TypeSessionEnded   = "session_ended"
	TypeAIChunk        = "ai_chunk"
	TypeError          = "error"
	TypeInterviewEnded = "interview_ended"
	TypeEvaluation     = "evaluation"
)

// ErrUnknownMessageType is wrapped by a DecodeError for an unrecognized type tag.
var ErrUnknownMessageType = errors.New("unknown message type")

// DecodeError describes why an inbound frame was rejected.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func (e *DecodeError) Unwrap() error {
	if e != nil && e.Code == "unsupported" {
		return ErrUnknownMessageType
	}
	return nil
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// UserMessage is one candidate utterance.
type UserMessage struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// SessionEndedNotice is the client's graceful close notice.
type SessionEndedNotice struct {
	Message string `json:"message"`
}

// DecodeClientMessage decodes one inbound frame into UserMessage or SessionEndedNotice.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_message", "")
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, badRequest("message is required", "message")
		}
		return msg, nil
	case TypeSessionEnded:
		var msg SessionEndedNotice
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_ended", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", typ)
	}
}

// ServerMessage is the outbound envelope. Only the fields of the given type are set.
type ServerMessage struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func chunkMessage(c models.Chunk) ServerMessage {
	return ServerMessage{Type: TypeAIChunk, Data: c}
}

func errorMessage(msg string) ServerMessage {
	return ServerMessage{Type: TypeError, Error: msg}
}

func sessionEndedMessage(msg string) ServerMessage {
	return ServerMessage{Type: TypeSessionEnded, Message: msg}
}

func interviewEndedMessage(msg string) ServerMessage {
	return ServerMessage{Type: TypeInterviewEnded, Message: msg}
}

// evaluationMessage carries an evaluation that resolved after its reply cycle finished.
func evaluationMessage(ev models.Evaluation) ServerMessage {
	return ServerMessage{Type: TypeEvaluation, Data: ev}
}
