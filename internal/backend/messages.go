package backend

import (
	"github.com/google/go-dap"
	"github.com/lightningnetwork/lnd/actor"
)

// DAPRequest is the message wrapper sent to the Session Controller actor,
// carrying the raw DAP request the client issued. Grounded on the
// teacher's debugger/dap_messages.go wrapper idiom.
type DAPRequest struct {
	actor.BaseMessage
	Request dap.Message
}

// MessageType returns the string identifier for this message type.
func (r *DAPRequest) MessageType() string { return "DAPRequest" }

// DAPResponse is the message wrapper the Session Controller actor returns.
type DAPResponse struct {
	actor.BaseMessage
	Response dap.Message
}

// MessageType returns the string identifier for this message type.
func (r *DAPResponse) MessageType() string { return "DAPResponse" }
