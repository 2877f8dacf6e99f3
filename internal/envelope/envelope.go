// Package envelope implements C7's header/envelope shapes: the wire-level
// frames needed to reply, and the decoded header the dispatcher actually
// reasons about. The adapter that touches raw sockets lives in
// internal/transport/*; this package is the boundary type both sides
// agree on, matching section 4.6's description of C7 as "the only
// component that touches wire frames; the dispatcher works in terms of
// envelopes and decoded headers."
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/basalt-run/taskweave/internal/depspec"
)

// Envelope is the opaque routing frames plus a decoded header (section 3).
// Identities are the routing-identity frames (who to reply to); HeaderRaw
// is the still-encoded header bytes; Rest is whatever frames follow the
// header (the opaque task payload, out of scope for the core per section
// 1's "Out of scope" list).
type Envelope struct {
	Identities [][]byte
	HeaderRaw  []byte
	Rest       [][]byte
}

// DepSpecWire is the wire shape of a DepSpec (section 3): the JSON a
// client sends for `after`/`follow`.
type DepSpecWire struct {
	IDs     []string `json:"ids"`
	All     bool     `json:"all"`
	Success bool     `json:"success"`
	Failure bool     `json:"failure"`
}

// ToSpec converts the wire shape to the evaluable depspec.Spec. A nil
// DepSpecWire decodes to depspec.MET, matching "empty DepSpec is trivially
// met."
func (w *DepSpecWire) ToSpec() depspec.Spec {
	if w == nil {
		return depspec.MET
	}
	return depspec.Spec{
		IDs:     depspec.NewIDSet(w.IDs...),
		All:     w.All,
		Success: w.Success,
		Failure: w.Failure,
	}
}

// Header is the decoded header of section 3: `{msg_id, targets?, after?,
// follow?, retries?, timeout?}` for submissions, plus `dependencies_met`
// and `status` for engine replies.
type Header struct {
	MsgID   string       `json:"msg_id"`
	MsgType string       `json:"msg_type"`
	Targets []string     `json:"targets,omitempty"`
	After   *DepSpecWire `json:"after,omitempty"`
	Follow  *DepSpecWire `json:"follow,omitempty"`
	Retries int          `json:"retries"`
	// TimeoutSeconds is nil when the client supplied no timeout.
	TimeoutSeconds *float64 `json:"timeout,omitempty"`

	// DependenciesMet defaults to true on engine replies: false signals a
	// location miss (section 4.5.5). It is a pointer so that an absent
	// field decodes to nil, which DependenciesMetOrDefault reports as true;
	// DecodeHeader itself leaves it as decoded.
	DependenciesMet *bool  `json:"dependencies_met,omitempty"`
	Status          string `json:"status,omitempty"`

	// Reason carries the wrapped-error payload of section 7 on a
	// status=error reply; empty on submissions and successful replies.
	Reason string `json:"reason,omitempty"`
}

// DependenciesMetOrDefault returns the reply's dependencies_met flag,
// defaulting to true when absent (section 6).
func (h *Header) DependenciesMetOrDefault() bool {
	if h.DependenciesMet == nil {
		return true
	}
	return *h.DependenciesMet
}

// DecodeHeader unmarshals and validates raw header bytes. Decoding errors
// are the caller's to log-and-drop per section 7 ("Decoding errors on any
// stream are logged and dropped; they never propagate into the task
// graph."); this function only reports them, it never panics or retries.
func DecodeHeader(raw []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, fmt.Errorf("envelope: decode header: %w", err)
	}
	if err := ValidateHeader(raw); err != nil {
		return Header{}, fmt.Errorf("envelope: validate header: %w", err)
	}
	if h.MsgID == "" {
		return Header{}, fmt.Errorf("envelope: header missing msg_id")
	}
	return h, nil
}

// EncodeHeader serializes a header back to wire bytes for a reply.
func EncodeHeader(h Header) ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode header: %w", err)
	}
	return b, nil
}

// ReplyEnvelope builds the reply envelope for a finished task: section
// 6's "Reply routing" swaps the first two routing frames so the client
// identity leads and the engine identity follows, matching the routed
// transport's convention.
func ReplyEnvelope(original Envelope, header Header) (Envelope, error) {
	raw, err := EncodeHeader(header)
	if err != nil {
		return Envelope{}, err
	}
	idents := make([][]byte, len(original.Identities))
	copy(idents, original.Identities)
	if len(idents) >= 2 {
		idents[0], idents[1] = idents[1], idents[0]
	}
	return Envelope{Identities: idents, HeaderRaw: raw, Rest: original.Rest}, nil
}
