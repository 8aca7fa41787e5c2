package pbx

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CallRequest is the provider-agnostic handoff of one callback origination.
//
// No acknowledgment is awaited: once Submit returns without error the PBX
// owns the call. Answer tracking flows back through the operator_marks
// table, outside this package.
type CallRequest struct {
	// Destination is the client number to dial (E.164 where possible).
	Destination string

	// CallerID is the department's presented caller id.
	CallerID string

	// CallbackID correlates the origination to its operator mark
	// (evaluated_call_id).
	CallbackID int64

	// IVRBranch is the menu the PBX routes the answered callback into.
	IVRBranch string

	// UniqueID is the platform identifier of the evaluated call. Redials
	// carry the original call's id so answers correlate to the first attempt.
	UniqueID string

	// OperatorNameAudio optionally names a recording announcing the agent.
	OperatorNameAudio string
}

var ErrInvalidRequest = errors.New("pbx: invalid call request")

func (r CallRequest) validate() error {
	if r.Destination == "" || r.CallerID == "" || r.IVRBranch == "" || r.CallbackID == 0 {
		return ErrInvalidRequest
	}
	return nil
}

// Sink accepts call requests for one-way handoff to the PBX.
type Sink interface {
	Submit(ctx context.Context, req CallRequest) error
}

// originateDefaults are the fixed dialing parameters of the callback IVR.
// The PBX dialplan owns retries entirely (MaxRetries 0).
const (
	maxRetries = 0
	retryTime  = 60
	waitTime   = 60
	extension  = "s"
	priority   = 1
)

// render produces the line-oriented Asterisk call-file body. Field order
// and names are fixed; the PBX parses them positionally in places.
func (r CallRequest) render(channelContext, ivrContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Channel: Local/%s@%s\n", r.Destination, channelContext)
	fmt.Fprintf(&b, "MaxRetries: %d\n", maxRetries)
	fmt.Fprintf(&b, "RetryTime: %d\n", retryTime)
	fmt.Fprintf(&b, "WaitTime: %d\n", waitTime)
	fmt.Fprintf(&b, "Context: %s\n", ivrContext)
	fmt.Fprintf(&b, "Extension: %s\n", extension)
	fmt.Fprintf(&b, "Priority: %d\n", priority)
	fmt.Fprintf(&b, "Callerid: %s\n", r.CallerID)
	fmt.Fprintf(&b, "Setvar: callback_callid=%d\n", r.CallbackID)
	fmt.Fprintf(&b, "Setvar: queue_branch=%s\n", r.IVRBranch)
	fmt.Fprintf(&b, "Setvar: uniqueid_number_evaluated=%s\n", r.UniqueID)
	fmt.Fprintf(&b, "Setvar: operator_name_audio=%s\n", r.OperatorNameAudio)
	return b.String()
}
