package recovery

import (
	"github.com/ruteri/passkey-account-backend/interfaces"
)

// DiscoverEvent reports progress of the discovery phase.
type DiscoverEvent struct {
	S          interfaces.EventStatus
	Msg        string
	Candidates int
}

func (e DiscoverEvent) Phase() string                  { return "discover" }
func (e DiscoverEvent) Status() interfaces.EventStatus { return e.S }
func (e DiscoverEvent) Message() string                { return e.Msg }

// RecoverEvent reports progress of the recovery phase.
type RecoverEvent struct {
	S   interfaces.EventStatus
	Msg string
}

func (e RecoverEvent) Phase() string                  { return "recover" }
func (e RecoverEvent) Status() interfaces.EventStatus { return e.S }
func (e RecoverEvent) Message() string                { return e.Msg }
