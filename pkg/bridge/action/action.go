// Package action models the voice actions a bridge response can carry: speak a
// line, collect slot values, or end the call. Parsing is all-or-nothing: an
// action whose invariants fail rejects the whole candidate envelope.
package action

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Type string

const (
	TypeSpeak   Type = "speak"
	TypeCollect Type = "collect"
	TypeEnd     Type = "end"
)

type FieldType string

const (
	FieldString   FieldType = "string"
	FieldNumber   FieldType = "number"
	FieldInteger  FieldType = "integer"
	FieldBoolean  FieldType = "boolean"
	FieldDate     FieldType = "date"
	FieldDatetime FieldType = "datetime"
)

func validFieldType(t FieldType) bool {
	switch t {
	case FieldString, FieldNumber, FieldInteger, FieldBoolean, FieldDate, FieldDatetime:
		return true
	default:
		return false
	}
}

type Voice struct {
	Name string `json:"name"`
}

type Field struct {
	Key      string    `json:"key"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
}

type Schema struct {
	Fields []Field `json:"fields"`
}

type Transfer struct {
	To   string `json:"to"`
	Mode string `json:"mode,omitempty"`
}

// Action is the tagged union. Type selects which of the remaining fields are
// meaningful; Validate enforces the per-variant invariants.
type Action struct {
	Type Type `json:"type"`

	// speak
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
	BargeIn   *bool  `json:"barge_in,omitempty"`
	Voice     *Voice `json:"voice,omitempty"`

	// collect
	Schema *Schema `json:"schema,omitempty"`

	// end
	Reason   string    `json:"reason,omitempty"`
	Transfer *Transfer `json:"transfer,omitempty"`
}

// Speak builds a speak action with a generated message id and barge-in on.
func Speak(text string) Action {
	on := true
	return Action{
		Type:      TypeSpeak,
		MessageID: "msg-" + uuid.NewString(),
		Text:      text,
		BargeIn:   &on,
	}
}

// SpeakWithID builds a speak action reusing an existing message id, as when a
// queued message drains into the response.
func SpeakWithID(messageID, text string) Action {
	on := true
	return Action{Type: TypeSpeak, MessageID: messageID, Text: text, BargeIn: &on}
}

// CollectFields builds a collect action over the given fields.
func CollectFields(fields ...Field) Action {
	return Action{Type: TypeCollect, Schema: &Schema{Fields: fields}}
}

// End builds an end action.
func End(reason string) Action {
	return Action{Type: TypeEnd, Reason: reason}
}

// BargeInEnabled reports the effective barge-in flag (default true).
func (a Action) BargeInEnabled() bool {
	return a.BargeIn == nil || *a.BargeIn
}

// Validate checks the variant invariants. A speak without a message id is
// repaired with a generated one; everything else is rejected, not patched.
func (a *Action) Validate() error {
	switch a.Type {
	case TypeSpeak:
		if strings.TrimSpace(a.Text) == "" {
			return fmt.Errorf("speak: text must be non-empty")
		}
		if strings.TrimSpace(a.MessageID) == "" {
			a.MessageID = "msg-" + uuid.NewString()
		}
		return nil
	case TypeCollect:
		if a.Schema == nil || len(a.Schema.Fields) == 0 {
			return fmt.Errorf("collect: schema.fields must be non-empty")
		}
		for i, f := range a.Schema.Fields {
			if strings.TrimSpace(f.Key) == "" {
				return fmt.Errorf("collect: fields[%d].key must be non-empty", i)
			}
			if !validFieldType(f.Type) {
				return fmt.Errorf("collect: fields[%d].type %q is not valid", i, f.Type)
			}
		}
		return nil
	case TypeEnd:
		if strings.TrimSpace(a.Reason) == "" {
			return fmt.Errorf("end: reason must be non-empty")
		}
		if a.Transfer != nil {
			if strings.TrimSpace(a.Transfer.To) == "" {
				return fmt.Errorf("end: transfer.to must be non-empty")
			}
			switch a.Transfer.Mode {
			case "", "warm", "cold":
			default:
				return fmt.Errorf("end: transfer.mode %q is not valid", a.Transfer.Mode)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}
