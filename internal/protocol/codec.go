package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType marks an envelope whose type discriminator is not
// recognized. Callers log it and carry on; unknown types never close the
// connection.
var ErrUnknownType = errors.New("protocol: unknown message type")

// ParseError marks an envelope that named a known type but failed
// validation. Like [ErrUnknownType] it must not close the connection.
type ParseError struct {
	Type string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol: parse %s message: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Encode serializes one envelope for a transport text frame.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode message: %w", err)
	}
	return data, nil
}

// Decode parses one inbound text frame into its typed message. The returned
// value is a pointer to one of the envelope structs in this package.
//
// Unknown types return [ErrUnknownType]; known types with missing required
// fields return a [*ParseError]. Both are recoverable by design.
func Decode(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &ParseError{Type: "?", Err: err}
	}

	switch head.Type {
	case TypeHello:
		return decodeInto(head.Type, data, &Hello{}, func(m *Hello) error {
			if m.SessionID == "" && m.AudioParams == nil {
				return errors.New("hello carries neither session_id nor audio_params")
			}
			return nil
		})
	case TypeListen:
		return decodeInto(head.Type, data, &Listen{}, func(m *Listen) error {
			switch m.State {
			case ListenStateStart, ListenStateStop, ListenStateDetect:
				return nil
			default:
				return fmt.Errorf("invalid listen state %q", m.State)
			}
		})
	case TypeTts:
		return decodeInto(head.Type, data, &Tts{}, func(m *Tts) error {
			switch m.State {
			case TtsStateStart, TtsStateStop, TtsStateSentenceStart, TtsStateSentenceEnd:
				return nil
			default:
				return fmt.Errorf("invalid tts state %q", m.State)
			}
		})
	case TypeLlm:
		// Text may legitimately be empty, e.g. an emotion-only update.
		return decodeInto(head.Type, data, &Llm{}, func(*Llm) error { return nil })
	case TypeMusic:
		return decodeInto(head.Type, data, &Music{}, func(*Music) error { return nil })
	case TypeIot:
		return decodeInto(head.Type, data, &Iot{}, func(*Iot) error { return nil })
	case TypeMcp:
		return decodeInto(head.Type, data, &Mcp{}, func(m *Mcp) error {
			if len(m.Payload) == 0 {
				return errors.New("mcp message without payload")
			}
			return nil
		})
	case TypeStt:
		return decodeInto(head.Type, data, &Stt{}, func(*Stt) error { return nil })
	case TypeAbort:
		return decodeInto(head.Type, data, &Abort{}, func(*Abort) error { return nil })
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

// decodeInto unmarshals data into msg and runs its validator.
func decodeInto[T any](typ string, data []byte, msg *T, validate func(*T) error) (any, error) {
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &ParseError{Type: typ, Err: err}
	}
	if err := validate(msg); err != nil {
		return nil, &ParseError{Type: typ, Err: err}
	}
	return msg, nil
}
