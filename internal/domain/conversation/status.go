package conversation

import "fmt"

// Status represents the lifecycle state of a conversation.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProgress      Status = "PROGRESS"
	StatusIdleTimeout   Status = "IDLE_TIMEOUT"
	StatusAgentClosed   Status = "AGENT_CLOSED"
	StatusSupportClosed Status = "SUPPORT_CLOSED"
	StatusUserClosed    Status = "USER_CLOSED"
	StatusExpired       Status = "EXPIRED"
	StatusFailed        Status = "FAILED"
)

// AllStatuses lists every known status, non-terminal first.
var AllStatuses = []Status{
	StatusPending,
	StatusProgress,
	StatusIdleTimeout,
	StatusAgentClosed,
	StatusSupportClosed,
	StatusUserClosed,
	StatusExpired,
	StatusFailed,
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusPending, StatusProgress, StatusIdleTimeout}

var transitions = map[Status][]Status{
	StatusPending:       {StatusProgress, StatusExpired, StatusSupportClosed, StatusUserClosed, StatusFailed},
	StatusProgress:      {StatusAgentClosed, StatusSupportClosed, StatusUserClosed, StatusIdleTimeout, StatusExpired, StatusFailed},
	StatusIdleTimeout:   {StatusProgress, StatusExpired, StatusAgentClosed, StatusUserClosed, StatusFailed},
	StatusAgentClosed:   {},
	StatusSupportClosed: {},
	StatusUserClosed:    {},
	StatusExpired:       {},
	StatusFailed:        {},
}

// Precedence of a status when proposers race for the same version.
// Expiry and failure share a rank; anything above it is announced as an intent.
var ranks = map[Status]int{
	StatusProgress:      10,
	StatusIdleTimeout:   20,
	StatusExpired:       30,
	StatusFailed:        30,
	StatusAgentClosed:   40,
	StatusSupportClosed: 50,
	StatusUserClosed:    60,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	targets, ok := transitions[s]
	return ok && len(targets) == 0
}

// ParseStatus converts a raw value into a known Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown conversation status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LegalTargets returns the statuses reachable from s in one step.
func LegalTargets(from Status) []Status {
	out := make([]Status, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// LegalSources returns the statuses from which to is reachable in one step.
// Stores use it as the status predicate of the conditional write.
func LegalSources(to Status) []Status {
	var out []Status
	for _, from := range AllStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Rank returns the precedence of a target status. Unknown or initial statuses rank 0.
func Rank(s Status) int {
	return ranks[s]
}

// AnnouncesIntent reports whether proposals for s outrank expiry and so
// publish a priority hint before attempting their write.
func AnnouncesIntent(s Status) bool {
	return Rank(s) > Rank(StatusExpired)
}

// StatusStrings converts statuses into plain strings for query parameters.
func StatusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
