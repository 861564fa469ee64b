package storage

// EventFilter restricts which events a pagination request returns.
// Empty allow lists admit everything; deny lists always exclude.
type EventFilter struct {
	// Types admits only events of the listed types when non-empty.
	Types []string `json:"types,omitempty"`

	// NotTypes excludes events of the listed types.
	NotTypes []string `json:"not_types,omitempty"`

	// Senders admits only events from the listed senders when non-empty.
	Senders []string `json:"senders,omitempty"`

	// NotSenders excludes events from the listed senders.
	NotSenders []string `json:"not_senders,omitempty"`

	// LazyLoadMembers requests that the membership state for the senders of
	// the returned page be attached to the response.
	LazyLoadMembers bool `json:"lazy_load_members,omitempty"`
}

// Apply returns the events admitted by the filter, preserving order.
func (f *EventFilter) Apply(events []Event) []Event {
	if f == nil {
		return events
	}
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if f.admits(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (f *EventFilter) admits(ev Event) bool {
	if contains(f.NotTypes, ev.Type) || contains(f.NotSenders, ev.Sender) {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, ev.Type) {
		return false
	}
	if len(f.Senders) > 0 && !contains(f.Senders, ev.Sender) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
