// Package wire adapts the raw BER packet tree produced by
// github.com/go-asn1-ber/asn1-ber into the narrow set of read and
// build operations the proxy session needs: message id, operation
// kind, positional child access, typed value reads, and building a
// synthetic BindResponse. It never implements LDAP semantics beyond
// what those operations require.
package wire

import (
	"bytes"
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Operation identifies the LDAP protocol operation carried by a
// top-level LDAPMessage child, as distinguished by its APPLICATION tag.
type Operation int

const (
	OpUnknown Operation = iota
	OpBindRequest
	OpBindResponse
	OpUnbindRequest
	OpSearchRequest
	OpSearchResultEntry
	OpSearchResultDone
	OpSearchResultReference
	OpModifyRequest
	OpModifyResponse
	OpAddRequest
	OpAddResponse
	OpDelRequest
	OpDelResponse
	OpModifyDNRequest
	OpModifyDNResponse
	OpCompareRequest
	OpCompareResponse
	OpAbandonRequest
	OpExtendedRequest
	OpExtendedResponse
)

var applicationTags = map[ber.Tag]Operation{
	ber.Tag(ldap.ApplicationBindRequest):           OpBindRequest,
	ber.Tag(ldap.ApplicationBindResponse):          OpBindResponse,
	ber.Tag(ldap.ApplicationUnbindRequest):         OpUnbindRequest,
	ber.Tag(ldap.ApplicationSearchRequest):         OpSearchRequest,
	ber.Tag(ldap.ApplicationSearchResultEntry):     OpSearchResultEntry,
	ber.Tag(ldap.ApplicationSearchResultDone):      OpSearchResultDone,
	ber.Tag(ldap.ApplicationSearchResultReference): OpSearchResultReference,
	ber.Tag(ldap.ApplicationModifyRequest):         OpModifyRequest,
	ber.Tag(ldap.ApplicationModifyResponse):        OpModifyResponse,
	ber.Tag(ldap.ApplicationAddRequest):            OpAddRequest,
	ber.Tag(ldap.ApplicationAddResponse):           OpAddResponse,
	ber.Tag(ldap.ApplicationDelRequest):            OpDelRequest,
	ber.Tag(ldap.ApplicationDelResponse):           OpDelResponse,
	ber.Tag(ldap.ApplicationModifyDNRequest):       OpModifyDNRequest,
	ber.Tag(ldap.ApplicationModifyDNResponse):      OpModifyDNResponse,
	ber.Tag(ldap.ApplicationCompareRequest):        OpCompareRequest,
	ber.Tag(ldap.ApplicationCompareResponse):       OpCompareResponse,
	ber.Tag(ldap.ApplicationAbandonRequest):        OpAbandonRequest,
	ber.Tag(ldap.ApplicationExtendedRequest):       OpExtendedRequest,
	ber.Tag(ldap.ApplicationExtendedResponse):      OpExtendedResponse,
}

// Message wraps the outer LDAPMessage SEQUENCE: messageID followed by
// exactly one protocolOp child.
type Message struct {
	packet *ber.Packet
}

// Parse decodes the first LDAPMessage found in buf. Trailing bytes
// after that message are ignored, per the codec contract. A decode
// panic from the underlying BER reader (malformed input) is recovered
// and reported as an error, never propagated, since the core must
// never amplify a garbled chunk into a crash.
func Parse(buf []byte) (msg *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = fmt.Errorf("wire: panic decoding packet: %v", r)
		}
	}()

	packet, readErr := ber.ReadPacket(bytes.NewReader(buf))
	if readErr != nil {
		return nil, fmt.Errorf("wire: decode: %w", readErr)
	}
	if packet == nil || len(packet.Children) < 2 {
		return nil, fmt.Errorf("wire: malformed LDAPMessage: want messageID and protocolOp, got %d children", len(packet.Children))
	}
	return &Message{packet: packet}, nil
}

// ID returns the LDAPMessage's messageID.
func (m *Message) ID() (int64, bool) {
	if m == nil || len(m.packet.Children) < 1 {
		return 0, false
	}
	id, ok := m.packet.Children[0].Value.(int64)
	return id, ok
}

// Operation returns the attribute carrying the protocolOp, i.e. the
// second top-level child of the envelope.
func (m *Message) Operation() *Attribute {
	if m == nil || len(m.packet.Children) < 2 {
		return nil
	}
	return &Attribute{packet: m.packet.Children[1]}
}

// Children returns every top-level child of the LDAPMessage envelope
// (messageID, protocolOp, and any optional controls).
func (m *Message) Children() []*Attribute {
	if m == nil {
		return nil
	}
	return wrapChildren(m.packet.Children)
}

// Attribute wraps a single node of the BER packet tree: either a
// top-level protocolOp, or a descendant used for positional field
// access (e.g. a BindRequest's bind DN, or a filter's assertion value).
type Attribute struct {
	packet *ber.Packet
}

// Operation reports the LDAP operation kind carried by this attribute,
// or OpUnknown if it does not carry an APPLICATION tag recognized as
// one of the LDAP protocol operations.
func (a *Attribute) Operation() Operation {
	if a == nil || a.packet == nil || a.packet.ClassType != ber.ClassApplication {
		return OpUnknown
	}
	op, ok := applicationTags[a.packet.Tag]
	if !ok {
		return OpUnknown
	}
	return op
}

// ContextTag returns the attribute's context-specific tag value, used
// to discriminate filter choices and bind authentication choices. The
// second return value is false when the attribute is not context-class.
func (a *Attribute) ContextTag() (int64, bool) {
	if a == nil || a.packet == nil || a.packet.ClassType != ber.ClassContext {
		return 0, false
	}
	return int64(a.packet.Tag), true
}

// IsConstructed reports whether the attribute carries ordered children
// (true) or a primitive typed value (false).
func (a *Attribute) IsConstructed() bool {
	return a != nil && a.packet != nil && a.packet.TagType == ber.TypeConstructed
}

// Child returns the i'th positional child of a constructed attribute.
func (a *Attribute) Child(i int) (*Attribute, bool) {
	if a == nil || a.packet == nil || i < 0 || i >= len(a.packet.Children) {
		return nil, false
	}
	return &Attribute{packet: a.packet.Children[i]}, true
}

// Children returns every child of a constructed attribute, in order.
func (a *Attribute) Children() []*Attribute {
	if a == nil || a.packet == nil {
		return nil
	}
	return wrapChildren(a.packet.Children)
}

// AsString reads the attribute's value as a string. Universal-class
// octet strings are decoded eagerly by the BER reader; non-universal
// primitives (e.g. a bind DN is universal, but a simple-bind password
// is context-specific) fall back to the raw captured bytes.
func (a *Attribute) AsString() (string, bool) {
	if a == nil || a.packet == nil {
		return "", false
	}
	if s, ok := a.packet.Value.(string); ok {
		return s, true
	}
	if a.packet.ClassType != ber.ClassUniversal && a.packet.Data != nil {
		return a.packet.Data.String(), true
	}
	return "", false
}

// AsInt reads the attribute's value as a signed integer.
func (a *Attribute) AsInt() (int64, bool) {
	if a == nil || a.packet == nil {
		return 0, false
	}
	v, ok := a.packet.Value.(int64)
	return v, ok
}

// AsEnumerated reads the attribute's value as an ENUMERATED, which the
// BER codec represents the same way as INTEGER.
func (a *Attribute) AsEnumerated() (int64, bool) {
	return a.AsInt()
}

// AsBytes reads the attribute's raw value bytes, regardless of tag.
func (a *Attribute) AsBytes() ([]byte, bool) {
	if a == nil || a.packet == nil {
		return nil, false
	}
	if a.packet.Data != nil {
		return a.packet.Data.Bytes(), true
	}
	if s, ok := a.packet.Value.(string); ok {
		return []byte(s), true
	}
	return nil, false
}

func wrapChildren(children []*ber.Packet) []*Attribute {
	out := make([]*Attribute, 0, len(children))
	for _, c := range children {
		out = append(out, &Attribute{packet: c})
	}
	return out
}

// BuildInvalidCredentialsResponse emits a minimal, well-formed
// BindResponse carrying the given message id and result code
// invalidCredentials, with empty matched-DN and diagnostic-message
// fields, enveloped in a standard LDAPMessage SEQUENCE.
func BuildInvalidCredentialsResponse(messageID int64) []byte {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))

	response := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(ldap.ApplicationBindResponse), nil, "Bind Response")
	response.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(ldap.LDAPResultInvalidCredentials), "resultCode"))
	response.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "matchedDN"))
	response.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "diagnosticMessage"))

	envelope.AppendChild(response)
	return envelope.Bytes()
}
