// Package validate enforces the structural contract of inbound USP
// Records and Msgs.
//
// Validation runs in two fail-fast stages. The first failing check aborts
// with an *errs.ValidationError whose Reason names it.
//
// Stage 1, Record:
//
//	version present → to_id present → to_id == local id →
//	from_id present → payload_security == PLAINTEXT →
//	record type == no_session_context
//
// Stage 2, Msg (only after Stage 1 passed and the payload decoded):
//
//	msg_id present → body member matches the local role
//
// A Controller accepts response and error bodies; an Agent accepts
// request bodies.
package validate

import (
	"github.com/smnsjas/go-uspcore/errs"
	"github.com/smnsjas/go-uspcore/messages"
	"github.com/smnsjas/go-uspcore/record"
)

// Role is the side of the exchange the local endpoint plays.
type Role int

const (
	RoleController Role = iota
	RoleAgent
)

func (r Role) String() string {
	if r == RoleAgent {
		return "agent"
	}
	return "controller"
}

// Validator checks inbound units addressed to LocalID.
type Validator struct {
	LocalID string
	Role    Role
}

// New creates a Validator for the given endpoint and role.
func New(localID string, role Role) *Validator {
	return &Validator{LocalID: localID, Role: role}
}

// Record runs Stage 1.
func (v *Validator) Record(r *record.Record) error {
	switch {
	case r.Version == "":
		return invalidRecord("USP Record missing version")
	case r.ToID == "":
		return invalidRecord("USP Record missing to_id")
	case r.ToID != v.LocalID:
		return invalidRecord("USP Record has incorrect to_id")
	case r.FromID == "":
		return invalidRecord("USP Record missing from_id")
	case r.PayloadSecurity != record.PayloadSecurityPlaintext:
		return invalidRecord("USP Record has unsupported Payload Security")
	case r.Type != record.TypeNoSessionContext:
		return invalidRecord("USP Record has an unsupported Record Type")
	}
	return nil
}

// Message runs Stage 2.
func (v *Validator) Message(m *messages.Message) error {
	if m.Header.MsgID == "" {
		return errs.Invalid(errs.StageMessage, "USP Message Header missing msg_id")
	}

	kind := m.Body.Kind()
	switch v.Role {
	case RoleAgent:
		if kind != messages.BodyRequest {
			return errs.Invalid(errs.StageMessage, "USP Message Body doesn't contain a Request element")
		}
	default:
		if kind != messages.BodyResponse && kind != messages.BodyError {
			return errs.Invalid(errs.StageMessage, "USP Message Body doesn't contain a Response element")
		}
	}
	return nil
}

func invalidRecord(reason string) error {
	return &errs.ValidationError{Stage: errs.StageRecord, Reason: reason}
}
