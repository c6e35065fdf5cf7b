package swagent

import (
	"strings"

	"github.com/pkg/errors"
)

// Action is the requested change for one software item.
type Action int

const (
	// ActionNone marks records that carry no action (software list sync)
	// or an action this agent does not understand. Such items are no-ops.
	ActionNone Action = iota
	ActionInstall
	ActionUpdate
	ActionDelete
)

// ParseAction maps the platform's action keyword onto an Action.
func ParseAction(raw string) Action {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "install":
		return ActionInstall
	case "update":
		return ActionUpdate
	case "delete", "remove":
		return ActionDelete
	default:
		return ActionNone
	}
}

func (a Action) String() string {
	switch a {
	case ActionInstall:
		return "install"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "none"
	}
}

// Changes reports whether the action puts software onto the device.
func (a Action) Changes() bool {
	return a == ActionInstall || a == ActionUpdate
}

// BackendKind identifies the package manager family behind a backend.
type BackendKind int

const (
	BackendOS BackendKind = iota
	BackendSandboxed
)

// ParseBackendKind maps the `packagemanager` configuration value.
func ParseBackendKind(raw string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", SoftwareTypeApt:
		return BackendOS, nil
	case SoftwareTypeSnap:
		return BackendSandboxed, nil
	default:
		return BackendOS, errors.Errorf("unsupported package manager %q", raw)
	}
}

// String returns the configuration spelling (apt, snap).
func (k BackendKind) String() string {
	switch k {
	case BackendSandboxed:
		return SoftwareTypeSnap
	default:
		return SoftwareTypeApt
	}
}

// Label is the backend name embedded in item error messages.
func (k BackendKind) Label() string {
	switch k {
	case BackendSandboxed:
		return "Snap"
	default:
		return "Apt"
	}
}

// SoftwareItem is one software record of an operation.
type SoftwareItem struct {
	Name         string
	Version      string
	SoftwareType string
	URL          string
	Action       Action
}

// HasBinary reports whether the item points at a binary stored on the platform.
func (i SoftwareItem) HasBinary(marker string) bool {
	if marker == "" {
		marker = defaultBinaryMarker
	}
	return strings.Contains(i.URL, marker)
}

// SplitChannel separates `version##channel` into its parts. Values
// without the separator are returned as the version with an empty channel.
func SplitChannel(raw string) (version, channel string) {
	idx := strings.Index(raw, inventoryVersionJoin)
	if idx < 0 {
		return strings.TrimSpace(raw), ""
	}
	version = strings.TrimSpace(raw[:idx])
	channel = strings.TrimSpace(raw[idx+len(inventoryVersionJoin):])
	if last := strings.LastIndex(channel, inventoryVersionJoin); last >= 0 {
		channel = strings.TrimSpace(channel[last+len(inventoryVersionJoin):])
	}
	return version, channel
}

// Operation is the first operation carried by an inbound payload.
type Operation struct {
	TemplateID string
	DeviceID   string
	Items      []SoftwareItem
}

// InstalledSoftware is one row of the installed-software inventory.
type InstalledSoftware struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	SoftwareType string `json:"softwareType"`
	URL          string `json:"url"`
	// Channel is only populated by sandboxed backends.
	Channel string `json:"-"`
}

// InventoryVersion renders the version column of the 116 inventory message.
func (s InstalledSoftware) InventoryVersion() string {
	if s.Channel == "" {
		return s.Version
	}
	return s.Version + inventoryVersionJoin + s.Channel
}

// AppliedItem is a SoftwareItem together with the outcome of applying it.
type AppliedItem struct {
	SoftwareItem
	Err error
}

// OK reports whether the backend applied the item without error.
func (a AppliedItem) OK() bool {
	return a.Err == nil
}
