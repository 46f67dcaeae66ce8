package registration

import (
	"github.com/ruteri/passkey-account-backend/interfaces"
)

// Progress events form a closed set of per-phase types so a consumer can
// switch on the concrete type for structured data; invalid phase/field
// combinations are unrepresentable.

// PreconditionEvent reports the registration precondition check.
type PreconditionEvent struct {
	S   interfaces.EventStatus
	Msg string
}

func (e PreconditionEvent) Phase() string                  { return "precondition" }
func (e PreconditionEvent) Status() interfaces.EventStatus { return e.S }
func (e PreconditionEvent) Message() string                { return e.Msg }

// BootstrapEvent reports bootstrap keypair generation.
type BootstrapEvent struct {
	S         interfaces.EventStatus
	Msg       string
	PublicKey string
}

func (e BootstrapEvent) Phase() string                  { return "bootstrap" }
func (e BootstrapEvent) Status() interfaces.EventStatus { return e.S }
func (e BootstrapEvent) Message() string                { return e.Msg }

// CeremonyEvent reports the platform authenticator ceremony.
type CeremonyEvent struct {
	S            interfaces.EventStatus
	Msg          string
	CredentialID string
}

func (e CeremonyEvent) Phase() string                  { return "ceremony" }
func (e CeremonyEvent) Status() interfaces.EventStatus { return e.S }
func (e CeremonyEvent) Message() string                { return e.Msg }

// DerivationEvent reports the parallel post-ceremony derivation fan-out.
type DerivationEvent struct {
	S   interfaces.EventStatus
	Msg string
}

func (e DerivationEvent) Phase() string                  { return "derivation" }
func (e DerivationEvent) Status() interfaces.EventStatus { return e.S }
func (e DerivationEvent) Message() string                { return e.Msg }

// RemoteEvent reports remote account creation and contract registration.
type RemoteEvent struct {
	S             interfaces.EventStatus
	Msg           string
	TransactionID string
}

func (e RemoteEvent) Phase() string                  { return "remote" }
func (e RemoteEvent) Status() interfaces.EventStatus { return e.S }
func (e RemoteEvent) Message() string                { return e.Msg }

// PersistEvent reports the atomic local store write.
type PersistEvent struct {
	S   interfaces.EventStatus
	Msg string
}

func (e PersistEvent) Phase() string                  { return "persist" }
func (e PersistEvent) Status() interfaces.EventStatus { return e.S }
func (e PersistEvent) Message() string                { return e.Msg }

// ActivationEvent reports session activation after a successful registration.
type ActivationEvent struct {
	S   interfaces.EventStatus
	Msg string
}

func (e ActivationEvent) Phase() string                  { return "activation" }
func (e ActivationEvent) Status() interfaces.EventStatus { return e.S }
func (e ActivationEvent) Message() string                { return e.Msg }

// RollbackEvent reports one undo step during rollback.
type RollbackEvent struct {
	S    interfaces.EventStatus
	Msg  string
	Step string
}

func (e RollbackEvent) Phase() string                  { return "rollback" }
func (e RollbackEvent) Status() interfaces.EventStatus { return e.S }
func (e RollbackEvent) Message() string                { return e.Msg }
