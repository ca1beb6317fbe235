package delivery

import (
	"fmt"
	"log/slog"
	"strings"
)

// FollowUp asks staff to call a caller back after a registration could not
// be completed.
type FollowUp struct {
	SessionID    string
	FirstName    string
	PhoneNumber  string
	NetworkIssue bool
	Reason       string
}

func (f FollowUp) Text() string {
	var sb strings.Builder
	sb.WriteString("Registration follow-up needed\n")
	name := f.FirstName
	if name == "" {
		name = "unknown caller"
	}
	fmt.Fprintf(&sb, "Caller: %s\n", name)
	if f.PhoneNumber != "" {
		fmt.Fprintf(&sb, "Callback: %s\n", f.PhoneNumber)
	}
	kind := "application error"
	if f.NetworkIssue {
		kind = "record system unreachable"
	}
	fmt.Fprintf(&sb, "Cause: %s\n", kind)
	if f.Reason != "" {
		fmt.Fprintf(&sb, "Detail: %s\n", f.Reason)
	}
	if f.SessionID != "" {
		fmt.Fprintf(&sb, "Session: %s", f.SessionID)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Notifier sends follow-ups to a fixed set of targets.
type Notifier struct {
	registry *Registry
	targets  []string
}

func NewNotifier(registry *Registry, targets ...string) *Notifier {
	return &Notifier{registry: registry, targets: targets}
}

// Notify delivers f to every target. Failures are logged; the first one is
// returned.
func (n *Notifier) Notify(f FollowUp) error {
	var first error
	for _, target := range n.targets {
		if err := n.registry.Deliver(target, f.Text()); err != nil {
			slog.Warn("follow-up delivery failed", "target", target, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
