package proxy

// Phase is one of the four authentication states a session can occupy.
type Phase int

const (
	// PhaseNone is the initial state and the state resumed after any
	// completed search or bind exchange.
	PhaseNone Phase = iota
	// PhaseUserDnSearch is entered when a client SearchRequest with an
	// equalityMatch filter on cn/uid/sAMAccountName was forwarded, and
	// is waiting on the corresponding SearchResultEntry.
	PhaseUserDnSearch
	// PhaseBindRequested is entered when a client simple BindRequest
	// for a non-service-account login was forwarded, and is waiting
	// on the corresponding BindResponse.
	PhaseBindRequested
	// PhaseAuthenticationFailed is terminal: the proxy has injected an
	// invalidCredentials response and the connection is being torn
	// down.
	PhaseAuthenticationFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "None"
	case PhaseUserDnSearch:
		return "UserDnSearch"
	case PhaseBindRequested:
		return "BindRequested"
	case PhaseAuthenticationFailed:
		return "AuthenticationFailed"
	default:
		return "Unknown"
	}
}

// authState is the session's state machine value. It is a tagged
// union in spirit: pendingLookupLogin only has meaning in
// PhaseUserDnSearch, sessionUser only in PhaseBindRequested and the
// PhaseAuthenticationFailed it can lead to.
type authState struct {
	phase              Phase
	pendingLookupLogin string
	sessionUser        string
}

// getState returns a snapshot of the session's current state. Safe
// for concurrent use by both copy goroutines.
func (s *Session) getState() authState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState publishes a new state, replacing whatever was there.
func (s *Session) setState(next authState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev.phase != next.phase {
		s.log.WithField("from", prev.phase).WithField("to", next.phase).Debug("state transition")
	}
}
