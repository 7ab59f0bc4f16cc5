package proxy

import (
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/nicolar/ldap-mfa-proxy/internal/wire"
)

// lookupAttributes is the set of attribute descriptions, compared
// case-insensitively, that make an equalityMatch filter worth
// remembering as a pending DN→login lookup.
var lookupAttributes = map[string]struct{}{
	"cn":             {},
	"uid":            {},
	"samaccountname": {},
}

// inspectRequest implements the request-side authentication
// transitions. It never rewrites a request: the returned bytes always
// equal the input.
func (s *Session) inspectRequest(chunk []byte) ([]byte, bool) {
	msg, err := wire.Parse(chunk)
	if err != nil {
		s.log.WithError(err).Debug("request decode failed, forwarding unchanged")
		return chunk, false
	}

	op := msg.Operation()
	switch op.Operation() {
	case wire.OpSearchRequest:
		s.observeSearchRequest(op)
	case wire.OpBindRequest:
		s.observeBindRequest(op)
	}

	return chunk, false
}

// observeSearchRequest looks for filter: attr=value with
// attr ∈ {cn, uid, sAMAccountName} and, if found, enters
// PhaseUserDnSearch remembering value as the pending lookup login.
func (s *Session) observeSearchRequest(searchRequest *wire.Attribute) {
	// SearchRequest ::= baseObject, scope, derefAliases, sizeLimit,
	// timeLimit, typesOnly, filter, attributes — filter is position 6.
	filter, ok := searchRequest.Child(6)
	if !ok {
		return
	}
	tag, ok := filter.ContextTag()
	if !ok || tag != int64(ldap.FilterEqualityMatch) || !filter.IsConstructed() {
		return
	}

	attrDesc, ok := filter.Child(0)
	if !ok {
		return
	}
	attrName, ok := attrDesc.AsString()
	if !ok {
		return
	}
	if _, ok := lookupAttributes[strings.ToLower(attrName)]; !ok {
		return
	}

	assertion, ok := filter.Child(1)
	if !ok {
		return
	}
	value, ok := assertion.AsString()
	if !ok {
		return
	}

	s.setState(authState{phase: PhaseUserDnSearch, pendingLookupLogin: value})
}

// observeBindRequest looks for a non-SASL, non-anonymous BindRequest
// whose derived login is not a configured service account, and, if
// found, enters PhaseBindRequested remembering the login as the
// session user.
func (s *Session) observeBindRequest(bindRequest *wire.Attribute) {
	// BindRequest ::= version, name, authentication — authentication
	// is position 2; primitive means simple bind, constructed means SASL.
	authChoice, ok := bindRequest.Child(2)
	if !ok {
		return
	}
	if authChoice.IsConstructed() {
		// SASL bind: passed through unmodified, no second factor applied.
		return
	}

	nameAttr, ok := bindRequest.Child(1)
	if !ok {
		return
	}
	bindDN, ok := nameAttr.AsString()
	if !ok || bindDN == "" {
		return
	}

	login := s.loginFromBindDN(bindDN)
	if s.serviceAccounts != nil && s.serviceAccounts.IsServiceAccount(login) {
		return
	}

	s.setState(authState{phase: PhaseBindRequested, sessionUser: login})
}

// loginFromBindDN implements the "login from bind DN" derivation
// rule: the cached login for bindDN if one was observed, otherwise
// the bind DN itself.
func (s *Session) loginFromBindDN(bindDN string) string {
	if login, ok := s.cache.Get(bindDN); ok {
		return login
	}
	return bindDN
}

// inspectResponse implements the response-side authentication
// transitions. It returns a replacement buffer only when the second
// factor refuses a successful upstream bind.
func (s *Session) inspectResponse(chunk []byte) ([]byte, bool) {
	msg, err := wire.Parse(chunk)
	if err != nil {
		s.log.WithError(err).Debug("response decode failed, forwarding unchanged")
		return chunk, false
	}

	switch s.getState().phase {
	case PhaseUserDnSearch:
		s.handleSearchResponse(msg)
		return chunk, false
	case PhaseBindRequested:
		return s.handleBindResponse(msg, chunk)
	default:
		return chunk, false
	}
}

// handleSearchResponse implements the UserDnSearch transitions. A
// matching SearchResultEntry caches objectName→pendingLookupLogin; any
// other message (including a non-matching entry or a SearchResultDone
// with no entries) simply returns the state to None. The bytes
// themselves are never altered on this path.
func (s *Session) handleSearchResponse(msg *wire.Message) {
	state := s.getState()
	op := msg.Operation()
	if op.Operation() == wire.OpSearchResultEntry {
		if objectName, ok := op.Child(0); ok {
			if dn, ok := objectName.AsString(); ok {
				s.cache.Put(dn, state.pendingLookupLogin)
				s.log.WithField("dn", dn).WithField("login", state.pendingLookupLogin).Debug("cached dn to login mapping")
			}
		}
	}
	s.setState(authState{phase: PhaseNone})
}

// handleBindResponse implements the BindRequested transitions. It
// returns the original chunk unchanged unless the second factor
// refuses a successful bind, in which case it returns a freshly built
// invalidCredentials response and signals the source stream should be
// closed after it is written.
func (s *Session) handleBindResponse(msg *wire.Message, chunk []byte) ([]byte, bool) {
	state := s.getState()
	op := msg.Operation()

	if op.Operation() != wire.OpBindResponse {
		return chunk, false
	}

	// BindResponse ::= resultCode, matchedDN, diagnosticMessage, ...
	resultAttr, ok := op.Child(0)
	if !ok {
		s.log.Debug("bind response missing result code, forwarding unchanged")
		s.setState(authState{phase: PhaseNone})
		return chunk, false
	}
	resultCode, ok := resultAttr.AsEnumerated()
	if !ok {
		s.setState(authState{phase: PhaseNone})
		return chunk, false
	}

	if resultCode != int64(ldap.LDAPResultSuccess) {
		diag := ""
		if d, ok := op.Child(2); ok {
			if s2, ok := d.AsString(); ok {
				diag = s2
			}
		}
		s.log.WithField("result", resultCode).WithField("diagnostic", diag).Debug("upstream bind did not succeed")
		s.setState(authState{phase: PhaseNone})
		return chunk, false
	}

	messageID, ok := msg.ID()
	if !ok {
		s.log.Debug("bind response missing message id, forwarding unchanged")
		s.setState(authState{phase: PhaseNone})
		return chunk, false
	}
	login := state.sessionUser

	if s.secondFactor.Authenticate(s.ctx, login) {
		s.setState(authState{phase: PhaseNone})
		return chunk, false
	}

	s.log.WithField("user", login).Warn("second factor refused, injecting invalidCredentials response")
	s.setState(authState{phase: PhaseAuthenticationFailed, sessionUser: login})
	return wire.BuildInvalidCredentialsResponse(messageID), true
}
