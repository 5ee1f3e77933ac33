package session

import "strings"

// ControlPrefix marks a statement as an in-band control command. Control
// commands are intercepted by the processing layer on each side and never
// reach the command processor.
const ControlPrefix = "#:"

// Control identifies one recognized control command.
type Control int

const (
	// ControlNone means the statement is ordinary data, not a control
	// command.
	ControlNone Control = iota

	// ControlModeEncrypt switches the session to encrypted mode.
	ControlModeEncrypt

	// ControlModeSign switches the session to signed mode.
	ControlModeSign

	// ControlModeQuery reports the current security mode.
	ControlModeQuery

	// ControlHelp returns the static help text.
	ControlHelp

	// ControlExit terminates the session cleanly.
	ControlExit

	// ControlUnknown is a control-prefixed statement with an unrecognized
	// name. It yields a textual response, not a failure.
	ControlUnknown
)

// IsControl reports whether stmt is a control command.
func IsControl(stmt string) bool {
	return strings.HasPrefix(strings.TrimSpace(stmt), ControlPrefix)
}

// ParseControl classifies stmt. The name after the prefix is trimmed and
// lowercased before matching; the normalized name is returned alongside the
// classification so unknown commands can be echoed back.
func ParseControl(stmt string) (Control, string) {
	trimmed := strings.TrimSpace(stmt)
	if !strings.HasPrefix(trimmed, ControlPrefix) {
		return ControlNone, ""
	}
	name := strings.ToLower(strings.TrimSpace(trimmed[len(ControlPrefix):]))
	switch name {
	case "mode.encrypt":
		return ControlModeEncrypt, name
	case "mode.signature":
		return ControlModeSign, name
	case "mode":
		return ControlModeQuery, name
	case "help":
		return ControlHelp, name
	case "exit":
		return ControlExit, name
	default:
		return ControlUnknown, name
	}
}
