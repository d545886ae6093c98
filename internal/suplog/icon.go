package suplog

import (
	"fmt"
	"io"
)

const (
	// ChildIDIcon is the icon shown directly before a supervisor-local child
	// ID. It is an "equals sign", indicating that the child "has exactly" the
	// displayed ID.
	ChildIDIcon Icon = "="

	// HandleIDIcon is the icon shown directly before a handle ID. It is a
	// circle with a dot in the center, representing the single live run of
	// the child that the handle refers to.
	HandleIDIcon Icon = "⨀"

	// StartIcon is the icon shown when a child is started. It is an upward
	// pointing arrow, as the child is being "brought up".
	StartIcon Icon = "▲"

	// StopIcon is the icon shown when a child is deliberately stopped. It is
	// a downward pointing arrow, as the child is being "taken down".
	StopIcon Icon = "▼"

	// AbandonIcon is a variant of StopIcon used when a child did not exit
	// within its grace period. It is a hollow version of the regular stop
	// icon, indicating that the shutdown remains "unfulfilled".
	AbandonIcon Icon = "▽"

	// RestartIcon is the icon shown when a child is restarted. It is an
	// open-circle with an arrow, indicating that the child has "come around
	// again".
	RestartIcon Icon = "↻"

	// ErrorIcon is the icon shown when logging information about an error.
	// It is a heavy cross, indicating a failure.
	ErrorIcon Icon = "✖"

	// EscalateIcon is the icon shown when a supervisor gives up and
	// propagates failure to its own owner. It is a hollow upward arrow,
	// indicating a failure traveling up the tree unresolved.
	EscalateIcon Icon = "△"

	// SupervisorIcon is the icon shown when a log message relates to the
	// supervisor itself rather than one of its children. It is a sprocket,
	// representing the inner workings of the machine.
	SupervisorIcon Icon = "⚙"

	// RegistryIcon is the icon shown directly before a registry name. It is
	// the mathematical "member of set" symbol, indicating that the name
	// belongs to the set of bindings scoped to this tree instance.
	RegistryIcon Icon = "⋲"

	// SeparatorIcon is an icon used to separate strings of unrelated text
	// inside a log message. It is a large bullet, intended to have a large
	// visual impact.
	SeparatorIcon Icon = "●"
)

// Icon is a unicode symbol used as an icon in log messages.
type Icon string

func (i Icon) String() string {
	return string(i)
}

// WriteTo writes a string representation of the icon to w.
// If i is the zero-value, a single space is rendered.
func (i Icon) WriteTo(w io.Writer) (int64, error) {
	s := i.String()
	if i == "" {
		s = " "
	}

	n, err := io.WriteString(w, s)
	return int64(n), err
}

// WithLabel return an IconWithLabel containing this icon and the given label.
func (i Icon) WithLabel(f string, v ...interface{}) IconWithLabel {
	return IconWithLabel{
		i,
		formatLabel(fmt.Sprintf(f, v...)),
	}
}

// WithID return an IconWithLabel containing this icon and an ID as its label.
//
// The id is formatted using FormatID(). It is never interpreted as a format
// string, so IDs containing format verbs are rendered verbatim.
func (i Icon) WithID(id string) IconWithLabel {
	return i.WithLabel("%s", FormatID(id))
}

// IconWithLabel is a container for an icon and its associated text label.
type IconWithLabel struct {
	Icon  Icon
	Label string
}

func (i IconWithLabel) String() string {
	return i.Icon.String() + " " + i.Label
}

// formatLabel formats a label for display.
func formatLabel(label string) string {
	if label == "" {
		return "-"
	}

	return label
}

// FormatID formats a child or handle ID for logging.
//
// If the ID appears to be a UUID, only the first 8 characters are shown.
// Otherwise, the ID is displayed in-full.
func FormatID(id string) string {
	if len(id) == 36 && id[8] == '-' {
		return id[:8]
	}

	return id
}
