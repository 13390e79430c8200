package model

import "fmt"

// Status is the delivery state of a message. The zero value is StatusPending,
// which is only correct for locally originated messages; remote inserts must
// normalize an absent status (see Reconciler).
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusSaved
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending: "PENDING",
	StatusSent:    "SENT",
	StatusSaved:   "SAVED",
	StatusFailed:  "FAILED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus converts the wire form of a status. Unknown values are an
// error so that a malformed frame is dropped instead of silently coerced.
func ParseStatus(raw string) (Status, error) {
	for s, name := range statusNames {
		if name == raw {
			return s, nil
		}
	}

	return StatusPending, fmt.Errorf("unknown message status %q", raw)
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusSaved
}

// CanTransition reports whether the transition s -> to is legal:
// PENDING -> SENT | SAVED | FAILED, SENT -> SAVED | FAILED, and
// FAILED -> PENDING (retry). Skipping SENT is allowed because status events
// can arrive out of order. SAVED is terminal.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusSent || to == StatusFailed || to == StatusSaved
	case StatusSent:
		return to == StatusSaved || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	case StatusSaved:
		return false
	}

	return false
}

// MarshalJSON writes the wire form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the wire form; an empty string maps to the zero
// value so optional status fields decode cleanly.
func (s *Status) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if len(raw) >= 2 && raw[0] == '"' {
		raw = raw[1 : len(raw)-1]
	}

	if raw == "" || raw == "null" {
		*s = StatusPending
		return nil
	}

	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}
