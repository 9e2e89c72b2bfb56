package coap

import (
	"fmt"

	"github.com/matrix-org/coapcore/message"
	"github.com/matrix-org/coapcore/xerror"
)

// Responder lets a handler that returned Deferred() reply asynchronously,
// per spec.md §4.4. Exactly one of SendResponse or Release must be called;
// calling either a second time is a programming error.
type Responder struct {
	endpoint *Endpoint
	request  message.Message
	meta     *Metadata
	done     bool
}

// CreateResponse builds a response message for this request: Confirmable
// (a separate response, the endpoint having already sent an empty ACK on
// deferral) if the request was Confirmable, NonConfirmable otherwise, with
// the request's Token. MID is left zero; SendResponse fills in the
// request's MID.
func (r *Responder) CreateResponse(code message.Code, options message.Options, payload []byte) message.Message {
	kind := message.NonConfirmable
	if r.request.Kind == message.Confirmable {
		kind = message.Confirmable
	}
	return message.Message{
		Kind:    kind,
		Code:    code,
		Token:   r.request.Token,
		Options: options,
		Payload: payload,
	}
}

// Respond is a convenience wrapper that builds a response via CreateResponse
// and sends it in one call.
func (r *Responder) Respond(code message.Code, options message.Options, payload []byte) error {
	return r.SendResponse(r.CreateResponse(code, options, payload))
}

// SendResponse transmits resp as the (possibly separate) reply to the
// deferred request and releases the Responder.
func (r *Responder) SendResponse(resp message.Message) error {
	if r.done {
		return fmt.Errorf("%w: responder already used", xerror.ErrInvalidState)
	}
	r.done = true
	return r.endpoint.sendResponseFor(r.request, r.meta, resp)
}

// Release abandons the deferred request without sending a response.
func (r *Responder) Release() {
	r.done = true
}
