package a2a

// Filter decides whether a subscription accepts a message. A nil Filter
// accepts everything.
type Filter func(*Message) bool

// ByType accepts messages whose type is one of the given types.
func ByType(types ...MessageType) Filter {
	set := make(map[MessageType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(m *Message) bool {
		_, ok := set[m.Type]
		return ok
	}
}

// FromAgent accepts messages sent by the given agent.
func FromAgent(agentID string) Filter {
	return func(m *Message) bool {
		return m.From.AgentID == agentID
	}
}

// WithPriority accepts messages at or above the given priority.
func WithPriority(min Priority) Filter {
	rank := min.Rank()
	return func(m *Message) bool {
		return m.Priority.Rank() >= rank
	}
}

// FromSession accepts messages whose sender is bound to the given session.
func FromSession(sessionID string) Filter {
	return func(m *Message) bool {
		return m.From.SessionID == sessionID
	}
}

// ReplyTo accepts responses and errors correlated to the given request id.
func ReplyTo(requestID string) Filter {
	return func(m *Message) bool {
		return m.ReplyTo == requestID
	}
}

// And accepts messages that pass every filter.
func And(filters ...Filter) Filter {
	return func(m *Message) bool {
		for _, f := range filters {
			if f != nil && !f(m) {
				return false
			}
		}
		return true
	}
}

// Or accepts messages that pass at least one filter.
func Or(filters ...Filter) Filter {
	return func(m *Message) bool {
		for _, f := range filters {
			if f != nil && f(m) {
				return true
			}
		}
		return false
	}
}

// Not inverts a filter.
func Not(f Filter) Filter {
	return func(m *Message) bool {
		return f == nil || !f(m)
	}
}
