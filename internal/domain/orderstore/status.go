package orderstore

import "strings"

// Status is the lifecycle state of an order.
type Status string

const (
	StatusCreated   Status = "created"
	StatusInPayment Status = "in_payment"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusRevoked   Status = "revoked"
	StatusRefunded  Status = "refunded"
	StatusClosed    Status = "closed"
)

// gateway state codes, indexed by code.
var statusByCode = [...]Status{
	StatusCreated,
	StatusInPayment,
	StatusSuccess,
	StatusFailure,
	StatusRevoked,
	StatusRefunded,
	StatusClosed,
}

// StatusFromCode maps a gateway state code ("0".."6") to a Status.
func StatusFromCode(code string) (Status, bool) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != 1 || trimmed[0] < '0' || trimmed[0] > '6' {
		return "", false
	}
	return statusByCode[trimmed[0]-'0'], true
}

// Code returns the gateway state code for s, or "" for an unknown status.
func (s Status) Code() string {
	for i, candidate := range statusByCode {
		if candidate == s {
			return string(rune('0' + i))
		}
	}
	return ""
}

// Valid reports whether s is one of the seven known states.
func (s Status) Valid() bool {
	return s.Code() != ""
}

// Terminal reports whether s ends the lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusRevoked, StatusRefunded, StatusClosed:
		return true
	default:
		return false
	}
}

func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusInPayment:
		return 1
	default:
		return 2
	}
}

// Policy decides whether a reported state may overwrite the stored one.
type Policy string

const (
	// PolicyLastWriterWins applies every known reported state.
	PolicyLastWriterWins Policy = "last_writer_wins"
	// PolicyMonotonic only moves forward and never leaves a terminal state.
	PolicyMonotonic Policy = "monotonic"
)

// ParsePolicy defaults blank input to PolicyLastWriterWins.
func ParsePolicy(raw string) (Policy, bool) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyLastWriterWins:
		return PolicyLastWriterWins, true
	case PolicyMonotonic:
		return PolicyMonotonic, true
	default:
		return "", false
	}
}

// Allows reports whether an order in from may be moved to to.
func (p Policy) Allows(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if p != PolicyMonotonic || from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return to.rank() >= from.rank()
}
