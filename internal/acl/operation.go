package acl

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/trustedtime"
)

// OpKind names a membership operation.
type OpKind string

const (
	OpGenesis      OpKind = "genesis"
	OpAddMember    OpKind = "add_member"
	OpRemoveMember OpKind = "remove_member"
	OpChangeRole   OpKind = "change_role"
	OpAddSecret    OpKind = "add_secret"
	OpShareSecret  OpKind = "share_secret"
)

// SecretID names one generation of a folder's shared secret. It is a TimeID
// drawn when the generation is created, so ids sort oldest first.
type SecretID string

// Operation is one signed entry of the access-control log.
type Operation struct {
	Kind   OpKind
	Member keys.MemberID
	Role   string
	// Public is the encoded public identity for genesis and add_member.
	Public    string
	SecretID  SecretID
	Envelopes map[keys.MemberID][]byte
	// Time is signed by the author and binds the folder path and the hash
	// of every other field.
	Time trustedtime.TrustedTime
}

// Author returns the member who signed the operation.
func (op Operation) Author() keys.MemberID {
	return op.Time.Signer
}

func (op Operation) body() canon.Object {
	obj := canon.Object{
		"kind":   canon.String(op.Kind),
		"member": canon.String(op.Member),
	}
	if op.Role != "" {
		obj["role"] = canon.String(op.Role)
	}
	if op.Public != "" {
		obj["public"] = canon.String(op.Public)
	}
	if op.SecretID != "" {
		obj["secret_id"] = canon.String(op.SecretID)
	}
	if len(op.Envelopes) > 0 {
		env := canon.Object{}
		for m, blob := range op.Envelopes {
			env[string(m)] = canon.Bytes(blob)
		}
		obj["envelopes"] = env
	}
	return obj
}

// BodyHash is the content hash the operation's trusted time signs.
func (op Operation) BodyHash() (canon.Hash, error) {
	return canon.ObjectHash(canon.DomainACLOp, op.body())
}

func (op Operation) toValue() canon.Object {
	obj := op.body()
	obj["time"] = op.Time.ToValue()
	return obj
}

func operationFromValue(v canon.Value) (Operation, error) {
	obj, ok := v.(canon.Object)
	if !ok {
		return Operation{}, fmt.Errorf("operation is %T, want object", v)
	}
	str := func(name string) string {
		s, _ := obj[name].(canon.String)
		return string(s)
	}
	op := Operation{
		Kind:     OpKind(str("kind")),
		Member:   keys.MemberID(str("member")),
		Role:     str("role"),
		Public:   str("public"),
		SecretID: SecretID(str("secret_id")),
	}
	if env, ok := obj["envelopes"].(canon.Object); ok {
		op.Envelopes = make(map[keys.MemberID][]byte, len(env))
		for m, raw := range env {
			blob, err := canon.DecodeBytes(raw)
			if err != nil {
				return Operation{}, fmt.Errorf("envelope for %s: %w", m, err)
			}
			op.Envelopes[keys.MemberID(m)] = blob
		}
	}
	t, err := trustedtime.FromValue(obj["time"])
	if err != nil {
		return Operation{}, err
	}
	op.Time = t
	return op, nil
}

func sortedMembers(envelopes map[keys.MemberID][]byte) []keys.MemberID {
	return slices.Sorted(maps.Keys(envelopes))
}
