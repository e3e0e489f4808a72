package core

import (
	"strings"
	"time"
)

// ProcessSnapshot is a point-in-time copy of a process table entry
type ProcessSnapshot struct {
	HostID          string     `json:"host_id"`
	ProcessID       uint32     `json:"process_id"`
	ParentProcessID *uint32    `json:"parent_process_id,omitempty"`
	ImagePath       string     `json:"image_path,omitempty"`
	CommandLine     string     `json:"command_line,omitempty"`
	User            string     `json:"user,omitempty"`
	Signed          *bool      `json:"signed,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	ChainDepth      int        `json:"chain_depth"`
	ChildCount      int        `json:"child_count"`
	// Inferred entries were created from a non-creation event; StartTime is
	// the first time the process was seen, not when it started.
	Inferred bool `json:"inferred,omitempty"`
}

// Key returns the table key for the snapshot
func (p *ProcessSnapshot) Key() ProcessKey {
	return ProcessKey{HostID: p.HostID, PID: p.ProcessID}
}

// ParentKey returns the parent's key, if a distinct parent is recorded
func (p *ProcessSnapshot) ParentKey() (ProcessKey, bool) {
	if p.ParentProcessID == nil || *p.ParentProcessID == p.ProcessID {
		return ProcessKey{}, false
	}
	return ProcessKey{HostID: p.HostID, PID: *p.ParentProcessID}, true
}

// Name returns the base name of the image path
func (p *ProcessSnapshot) Name() string {
	return ImageName(p.ImagePath)
}

// Terminated reports whether a termination has been observed
func (p *ProcessSnapshot) Terminated() bool {
	return p.EndTime != nil
}

// KnownUnsigned is true only when the collector reported the image as unsigned
func (p *ProcessSnapshot) KnownUnsigned() bool {
	return p.Signed != nil && !*p.Signed
}

// ImageName strips Windows or POSIX directories from an image path
func ImageName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Clone returns a deep copy of the snapshot
func (p *ProcessSnapshot) Clone() ProcessSnapshot {
	out := *p
	if p.ParentProcessID != nil {
		ppid := *p.ParentProcessID
		out.ParentProcessID = &ppid
	}
	if p.Signed != nil {
		signed := *p.Signed
		out.Signed = &signed
	}
	if p.EndTime != nil {
		end := *p.EndTime
		out.EndTime = &end
	}
	return out
}

