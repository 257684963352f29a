// Package types holds the wire and state shapes shared by every painlessMesh
// component: node identifiers, mesh time, the JSON message envelope, package
// kind constants, connection/topology state, and the small Logger interface
// every component is constructed with.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NodeID uniquely identifies a node for the lifetime of the process. It is
// derived once at startup (e.g. from a hardware MAC) and treated as opaque
// everywhere else.
type NodeID uint32

func (n NodeID) String() string {
	return fmt.Sprintf("%d", uint32(n))
}

// MeshTime is a wrapping microsecond timestamp. nodeTime() = localMicros() +
// offset, where offset is maintained by time sync.
type MeshTime uint32

// PackageType selects which kind of payload a Message carries. Values below
// 100 are reserved for the core protocol (spec.md §3); values >= 100 are
// user/plugin types.
type PackageType int

const (
	_ PackageType = iota
	_
	_
	NodeSyncRequest PackageType = 3
	NodeSyncReply   PackageType = 4
	TimeSync        PackageType = 5
	NodeSync        PackageType = 6
	TimeDelay       PackageType = 7
	Broadcast       PackageType = 8
	Single          PackageType = 9
	OTAAnnounce     PackageType = 10
	OTADataRequest  PackageType = 11
	OTAData         PackageType = 12

	// FirstUserType is the first type id available to plugin payloads.
	FirstUserType PackageType = 100
)

// IsUserType reports whether t is reserved for user/plugin dispatch rather
// than the core protocol.
func (t PackageType) IsUserType() bool {
	return t >= FirstUserType
}

// MaxMessageSize is the implementation-defined cap from spec.md §3: messages
// serializing to more bytes than this are rejected both on send and receive.
const MaxMessageSize = 4096

var (
	ErrMessageTooLarge  = errors.New("mesh: message exceeds size cap")
	ErrMissingType      = errors.New("mesh: message missing type field")
	ErrMissingFrom      = errors.New("mesh: message missing from field")
	ErrUnreachable      = errors.New("mesh: no route to destination")
	ErrHandshakeMissing = errors.New("mesh: connection has not completed handshake")
)

// Message is the wire envelope for every package kind in spec.md §3. Payload
// fields beyond Type/From/Dest are carried opaquely in Extra so that unknown
// fields survive a broadcast forward unmodified (spec.md §6).
type Message struct {
	Type PackageType `json:"type"`
	From NodeID      `json:"from"`
	Dest *NodeID     `json:"dest,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// messageAlias avoids infinite recursion through Message's custom
// MarshalJSON/UnmarshalJSON.
type messageAlias struct {
	Type PackageType `json:"type"`
	From NodeID      `json:"from"`
	Dest *NodeID     `json:"dest,omitempty"`
}

// MarshalJSON flattens Extra back into the top-level object, the way the
// teacher's plain struct tags would if every payload field were declared on
// one type; we do it manually because the package-kind payloads differ.
func (m Message) MarshalJSON() ([]byte, error) {
	base := map[string]json.RawMessage{}
	for k, v := range m.Extra {
		base[k] = v
	}

	typeBytes, err := json.Marshal(m.Type)
	if err != nil {
		return nil, err
	}
	base["type"] = typeBytes

	fromBytes, err := json.Marshal(m.From)
	if err != nil {
		return nil, err
	}
	base["from"] = fromBytes

	if m.Dest != nil {
		destBytes, err := json.Marshal(*m.Dest)
		if err != nil {
			return nil, err
		}
		base["dest"] = destBytes
	}

	return json.Marshal(base)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var alias messageAlias
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &alias.Type); err != nil {
			return fmt.Errorf("mesh: decode type: %w", err)
		}
	} else {
		return ErrMissingType
	}

	if v, ok := raw["from"]; ok {
		if err := json.Unmarshal(v, &alias.From); err != nil {
			return fmt.Errorf("mesh: decode from: %w", err)
		}
	} else {
		return ErrMissingFrom
	}

	if v, ok := raw["dest"]; ok {
		var dest NodeID
		if err := json.Unmarshal(v, &dest); err != nil {
			return fmt.Errorf("mesh: decode dest: %w", err)
		}
		alias.Dest = &dest
	}

	m.Type = alias.Type
	m.From = alias.From
	m.Dest = alias.Dest

	delete(raw, "type")
	delete(raw, "from")
	delete(raw, "dest")
	m.Extra = raw
	return nil
}

// SetField stashes a typed payload field into Extra, re-marshalling it to
// json.RawMessage. Package builders (ota, gateway) use this instead of
// hand-rolling map literals.
func (m *Message) SetField(name string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("mesh: set field %q: %w", name, err)
	}
	if m.Extra == nil {
		m.Extra = map[string]json.RawMessage{}
	}
	m.Extra[name] = data
	return nil
}

// Field decodes a named payload field out of Extra into dest.
func (m Message) Field(name string, dest interface{}) error {
	raw, ok := m.Extra[name]
	if !ok {
		return fmt.Errorf("mesh: missing field %q", name)
	}
	return json.Unmarshal(raw, dest)
}

// IsBroadcast reports whether this message has no specific destination and
// should flood the tree. Every package kind that floods (BROADCAST, OTA
// Announce, OTA Data in broadcast mode, or a user type the caller chooses
// to flood) is identified purely by the absence of Dest — the routed kinds
// (SINGLE, OTA DataRequest, unicast OTA Data, gateway traffic) always carry
// one.
func (m Message) IsBroadcast() bool {
	return m.Dest == nil
}

// Logger is the narrow logging surface every component depends on. It is
// satisfied by internal/logging.Logger and by any test double.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}
