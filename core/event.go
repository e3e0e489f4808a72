package core

import (
	"fmt"
	"strings"
	"time"
)

// EventKind identifies which variant payload an Event carries
type EventKind string

const (
	EventKindProcess  EventKind = "process"
	EventKindNetwork  EventKind = "network"
	EventKindRegistry EventKind = "registry"
)

// IsValid checks if the kind is one of the supported variants
func (k EventKind) IsValid() bool {
	switch k {
	case EventKindProcess, EventKindNetwork, EventKindRegistry:
		return true
	default:
		return false
	}
}

// ProcessAction is the lifecycle transition reported by a ProcessEvent
type ProcessAction string

const (
	ProcessCreated    ProcessAction = "created"
	ProcessTerminated ProcessAction = "terminated"
)

// NetworkDirection is the direction of a connection relative to the host
type NetworkDirection string

const (
	DirectionOutbound NetworkDirection = "outbound"
	DirectionInbound  NetworkDirection = "inbound"
)

// Protocol is the transport protocol of a connection
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// RegistryAction is the mutation reported by a RegistryEvent
type RegistryAction string

const (
	RegistryCreate RegistryAction = "create"
	RegistryModify RegistryAction = "modify"
	RegistryDelete RegistryAction = "delete"
)

// ProcessKey identifies a process on a host. PIDs are only unique per host.
type ProcessKey struct {
	HostID string `json:"host_id"`
	PID    uint32 `json:"pid"`
}

// String returns host/pid
func (k ProcessKey) String() string {
	return fmt.Sprintf("%s/%d", k.HostID, k.PID)
}

// Event is the normalized envelope handed to the engine by a collector.
// Exactly one of Process, Network or Registry is set, matching Kind.
type Event struct {
	Timestamp       time.Time `json:"timestamp"`
	Monotonic       uint64    `json:"monotonic,omitempty"` // collector clock, nanoseconds
	HostID          string    `json:"host_id"`
	ProcessID       uint32    `json:"process_id"`
	ParentProcessID *uint32   `json:"parent_process_id,omitempty"`
	Kind            EventKind `json:"kind"`

	Process  *ProcessEvent  `json:"process,omitempty"`
	Network  *NetworkEvent  `json:"network,omitempty"`
	Registry *RegistryEvent `json:"registry,omitempty"`
}

// ProcessEvent carries process lifecycle details
type ProcessEvent struct {
	Action      ProcessAction `json:"action"`
	ImagePath   string        `json:"image_path"`
	CommandLine string        `json:"command_line,omitempty"`
	Signed      *bool         `json:"signed,omitempty"` // nil when the signature could not be resolved
	User        string        `json:"user,omitempty"`
}

// NetworkEvent carries a single connection
type NetworkEvent struct {
	Direction       NetworkDirection `json:"direction"`
	Protocol        Protocol         `json:"protocol"`
	RemoteAddress   string           `json:"remote_address"`
	RemotePort      uint16           `json:"remote_port"`
	ReputationScore *int             `json:"reputation_score,omitempty"` // 0-100, resolved before ingestion
}

// RegistryEvent carries a registry mutation
type RegistryEvent struct {
	Action    RegistryAction `json:"action"`
	KeyPath   string         `json:"key_path"`
	ValueName string         `json:"value_name,omitempty"`
	ValueData string         `json:"value_data,omitempty"`
}

// Key returns the process key the event belongs to
func (e *Event) Key() ProcessKey {
	return ProcessKey{HostID: e.HostID, PID: e.ProcessID}
}

// ParentKey returns the parent's key when the collector supplied one
func (e *Event) ParentKey() (ProcessKey, bool) {
	if e.ParentProcessID == nil {
		return ProcessKey{}, false
	}
	return ProcessKey{HostID: e.HostID, PID: *e.ParentProcessID}, true
}

// IsProcessAction reports whether the event is a process event with the given action
func (e *Event) IsProcessAction(action ProcessAction) bool {
	return e.Kind == EventKindProcess && e.Process != nil && e.Process.Action == action
}

// Validate checks the envelope and the variant payload. PID 0 is reserved
// for "not supplied" since no collector reports the idle process.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	if strings.TrimSpace(e.HostID) == "" {
		return fmt.Errorf("%w: missing host_id", ErrMalformedEvent)
	}
	if e.ProcessID == 0 {
		return fmt.Errorf("%w: missing process_id", ErrMalformedEvent)
	}

	switch e.Kind {
	case EventKindProcess:
		if e.Process == nil {
			return fmt.Errorf("%w: process event without process payload", ErrMalformedEvent)
		}
		if e.Process.Action != ProcessCreated && e.Process.Action != ProcessTerminated {
			return fmt.Errorf("%w: unknown process action %q", ErrMalformedEvent, e.Process.Action)
		}
	case EventKindNetwork:
		if e.Network == nil {
			return fmt.Errorf("%w: network event without network payload", ErrMalformedEvent)
		}
		if e.Network.Direction != DirectionOutbound && e.Network.Direction != DirectionInbound {
			return fmt.Errorf("%w: unknown direction %q", ErrMalformedEvent, e.Network.Direction)
		}
		if e.Network.Protocol != ProtocolTCP && e.Network.Protocol != ProtocolUDP {
			return fmt.Errorf("%w: unknown protocol %q", ErrMalformedEvent, e.Network.Protocol)
		}
		if s := e.Network.ReputationScore; s != nil && (*s < 0 || *s > 100) {
			return fmt.Errorf("%w: reputation_score %d out of range 0-100", ErrMalformedEvent, *s)
		}
	case EventKindRegistry:
		if e.Registry == nil {
			return fmt.Errorf("%w: registry event without registry payload", ErrMalformedEvent)
		}
		switch e.Registry.Action {
		case RegistryCreate, RegistryModify, RegistryDelete:
		default:
			return fmt.Errorf("%w: unknown registry action %q", ErrMalformedEvent, e.Registry.Action)
		}
		if e.Registry.KeyPath == "" {
			return fmt.Errorf("%w: registry event without key_path", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: %w %q", ErrMalformedEvent, ErrUnknownEventKind, e.Kind)
	}

	return nil
}

// Clone returns a deep copy so evidence attached to an alert never aliases
// collector or engine memory.
func (e *Event) Clone() Event {
	out := *e
	if e.ParentProcessID != nil {
		ppid := *e.ParentProcessID
		out.ParentProcessID = &ppid
	}
	if e.Process != nil {
		p := *e.Process
		if e.Process.Signed != nil {
			signed := *e.Process.Signed
			p.Signed = &signed
		}
		out.Process = &p
	}
	if e.Network != nil {
		n := *e.Network
		if e.Network.ReputationScore != nil {
			score := *e.Network.ReputationScore
			n.ReputationScore = &score
		}
		out.Network = &n
	}
	if e.Registry != nil {
		r := *e.Registry
		out.Registry = &r
	}
	return out
}
