package op

import (
	"encoding/json"
	"fmt"
)

// PayloadKind selects the variant held by a Payload.
type PayloadKind string

const (
	KindUpsert  PayloadKind = "upsert"
	KindDelete  PayloadKind = "delete"
	KindToggle  PayloadKind = "toggle"
	KindControl PayloadKind = "control"
	KindRaw     PayloadKind = "raw"
)

// Payload is a tagged union. Exactly the field named by Kind is set.
type Payload struct {
	Kind    PayloadKind     `json:"kind"`
	Upsert  *UpsertPayload  `json:"upsert,omitempty"`
	Delete  *DeletePayload  `json:"delete,omitempty"`
	Toggle  *TogglePayload  `json:"toggle,omitempty"`
	Control *ControlPayload `json:"control,omitempty"`
	Raw     *RawPayload     `json:"raw,omitempty"`
}

// UpsertPayload carries a create or update of entity fields.
type UpsertPayload struct {
	Version int64                      `json:"version"`
	Fields  map[string]json.RawMessage `json:"fields"`
}

// DeletePayload removes an entity at a known version.
type DeletePayload struct {
	Version int64 `json:"version"`
}

// TogglePayload flips a boolean field.
type TogglePayload struct {
	Field string `json:"field"`
	On    bool   `json:"on"`
}

// ControlPayload is a device or service command.
type ControlPayload struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// RawPayload is passed through to the transport untouched.
type RawPayload struct {
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

func Upsert(version int64, fields map[string]json.RawMessage) Payload {
	return Payload{Kind: KindUpsert, Upsert: &UpsertPayload{Version: version, Fields: fields}}
}

func Delete(version int64) Payload {
	return Payload{Kind: KindDelete, Delete: &DeletePayload{Version: version}}
}

func Toggle(field string, on bool) Payload {
	return Payload{Kind: KindToggle, Toggle: &TogglePayload{Field: field, On: on}}
}

func Control(command string, args map[string]string) Payload {
	return Payload{Kind: KindControl, Control: &ControlPayload{Command: command, Args: args}}
}

func Raw(contentType string, data []byte) Payload {
	return Payload{Kind: KindRaw, Raw: &RawPayload{ContentType: contentType, Data: data}}
}

// Validate checks that exactly the variant named by Kind is set.
func (p Payload) Validate() error {
	set := 0
	var have PayloadKind
	if p.Upsert != nil {
		set++
		have = KindUpsert
	}
	if p.Delete != nil {
		set++
		have = KindDelete
	}
	if p.Toggle != nil {
		set++
		have = KindToggle
	}
	if p.Control != nil {
		set++
		have = KindControl
	}
	if p.Raw != nil {
		set++
		have = KindRaw
	}

	switch {
	case p.Kind == "":
		return fmt.Errorf("payload kind is required")
	case set == 0:
		return fmt.Errorf("payload %q has no variant set", p.Kind)
	case set > 1:
		return fmt.Errorf("payload %q has %d variants set", p.Kind, set)
	case have != p.Kind:
		return fmt.Errorf("payload kind %q holds a %q variant", p.Kind, have)
	}

	if p.Kind == KindToggle && p.Toggle.Field == "" {
		return fmt.Errorf("toggle payload needs a field")
	}
	if p.Kind == KindControl && p.Control.Command == "" {
		return fmt.Errorf("control payload needs a command")
	}
	return nil
}

// Fits reports whether the payload variant makes sense for an op type.
// Raw payloads fit every type.
func (p Payload) Fits(t Type) bool {
	if p.Kind == KindRaw {
		return true
	}
	switch t {
	case TypeCreate, TypeUpdate:
		return p.Kind == KindUpsert
	case TypeDelete:
		return p.Kind == KindDelete
	case TypeToggle:
		return p.Kind == KindToggle
	case TypeControl:
		return p.Kind == KindControl
	}
	return false
}

// Version returns the entity version an upsert or delete was made against,
// or 0 for variants that carry none.
func (p Payload) Version() int64 {
	switch p.Kind {
	case KindUpsert:
		if p.Upsert != nil {
			return p.Upsert.Version
		}
	case KindDelete:
		if p.Delete != nil {
			return p.Delete.Version
		}
	}
	return 0
}
