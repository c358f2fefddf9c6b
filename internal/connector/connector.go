// Package connector defines the transport-agnostic contract the request
// processor depends on: typed envelopes in and out, and an Adaptor that
// projects an action.Response back onto the five outbound wire message
// shapes. internal/connector/wsconnector supplies the concrete
// WebSocket-backed Connector used in production.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puppetlabs/pxp-agent/internal/action"
)

// Message type URLs, as registered with the broker at startup.
const (
	TypeBlockingRequest     = "http://puppetlabs.com/rpc_blocking_request"
	TypeBlockingResponse    = "http://puppetlabs.com/rpc_blocking_response"
	TypeNonBlockingRequest  = "http://puppetlabs.com/rpc_non_blocking_request"
	TypeNonBlockingResponse = "http://puppetlabs.com/rpc_non_blocking_response"
	TypeProvisionalResponse = "http://puppetlabs.com/rpc_provisional_response"
	TypeErrorMessage        = "http://puppetlabs.com/rpc_error_message"
)

// EnvelopeV1 and EnvelopeV2 name the two PCP envelope schema generations
// a broker may speak. This agent emits v2 exclusively but accepts
// either on input: a v1 sender still gets a v2 envelope back, since v2
// is a strict subset of what v1 senders understand for the message
// types this agent exchanges.
const (
	EnvelopeV1 = "1"
	EnvelopeV2 = "2"
)

// Envelope is the parsed shape of every wire message: the PCP-style
// envelope fields plus an opaque data body, validated against the schema
// named by MessageType. Version records which of the two generations
// produced it; Version is empty on decode when the sender omitted it,
// which this agent treats the same as EnvelopeV1.
type Envelope struct {
	ID          string            `json:"id"`
	Version     string            `json:"version,omitempty"`
	MessageType string            `json:"message_type"`
	Sender      string            `json:"sender"`
	Targets     []string          `json:"targets"`
	Expires     time.Time         `json:"expires"`
	Data        json.RawMessage   `json:"data"`
	Debug       []json.RawMessage `json:"debug,omitempty"`
}

// RequestCallback receives a parsed inbound envelope addressed to this
// agent. It is invoked inline on the Connector's read loop.
type RequestCallback func(Envelope)

// Connector is the interface the core depends on; it owns the broker
// session and the read loop, and is the only thing that knows about the
// wire transport.
type Connector interface {
	// ConnectAndMonitor dials the broker and runs the read loop until ctx
	// is cancelled, retrying forever on association failure.
	ConnectAndMonitor(ctx context.Context) error
	// Send delivers env to its targets.
	Send(env Envelope) error
	// RegisterBlockingRequestCallback is invoked for every inbound
	// rpc_blocking_request.
	RegisterBlockingRequestCallback(cb RequestCallback)
	// RegisterNonBlockingRequestCallback is invoked for every inbound
	// rpc_non_blocking_request.
	RegisterNonBlockingRequestCallback(cb RequestCallback)
}

// Adaptor turns an action.Request/action.Response pair into the outbound
// envelope shape the Connector needs, and owns the identity (PCP
// uri-style sender string) this agent sends as.
type Adaptor struct {
	conn   Connector
	sender string
	expiry time.Duration
}

// NewAdaptor returns an Adaptor that sends as sender through conn.
// Outbound envelopes expire after expiry (zero means 1 minute, the
// teacher's ttl default for short-lived acks).
func NewAdaptor(conn Connector, sender string, expiry time.Duration) *Adaptor {
	if expiry <= 0 {
		expiry = time.Minute
	}
	return &Adaptor{conn: conn, sender: sender, expiry: expiry}
}

func (a *Adaptor) envelope(messageType, target string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", messageType, err)
	}
	return Envelope{
		ID:          uuid.NewString(),
		Version:     EnvelopeV2,
		MessageType: messageType,
		Sender:      a.sender,
		Targets:     []string{target},
		Expires:     time.Now().UTC().Add(a.expiry),
		Data:        raw,
	}, nil
}

func (a *Adaptor) send(messageType string, req *action.Request, data interface{}) error {
	env, err := a.envelope(messageType, req.Sender, data)
	if err != nil {
		return err
	}
	return a.conn.Send(env)
}

// SendBlockingResponse emits the rpc_blocking_response for req/resp. The
// caller must have already confirmed resp.Metadata.ValidFor(ResponseBlocking).
func (a *Adaptor) SendBlockingResponse(req *action.Request, resp *action.Response) error {
	return a.send(TypeBlockingResponse, req, map[string]interface{}{
		"transaction_id": req.TransactionID,
		"results":        resultsPayload(resp),
	})
}

// SendNonBlockingResponse emits the rpc_non_blocking_response delivered
// once a background action completes, when notify_outcome was requested.
func (a *Adaptor) SendNonBlockingResponse(req *action.Request, resp *action.Response) error {
	return a.send(TypeNonBlockingResponse, req, map[string]interface{}{
		"transaction_id": req.TransactionID,
		"job_id":         req.TransactionID,
		"results":        resultsPayload(resp),
	})
}

// SendProvisional emits the immediate rpc_provisional_response sent
// inline on the request-callback thread, before any worker has started
// producing output.
func (a *Adaptor) SendProvisional(req *action.Request) error {
	return a.send(TypeProvisionalResponse, req, map[string]interface{}{
		"transaction_id": req.TransactionID,
	})
}

// SendStatusOutput emits a status_output response: the projection of a
// spool directory's metadata onto the status/query action's result shape.
func (a *Adaptor) SendStatusOutput(req *action.Request, metadata *action.Metadata) error {
	return a.send(TypeBlockingResponse, req, map[string]interface{}{
		"transaction_id": req.TransactionID,
		"results":        metadata,
	})
}

// SendPXPError emits an rpc_error_message describing a processor-level
// failure (unknown module, schema mismatch, duplicate transaction, ...).
func (a *Adaptor) SendPXPError(req *action.Request, description string) error {
	return a.send(TypeErrorMessage, req, map[string]interface{}{
		"transaction_id": req.TransactionID,
		"id":             req.MessageID,
		"description":    description,
	})
}

func resultsPayload(resp *action.Response) json.RawMessage {
	if resp.Metadata.ResultsAreValid {
		return resp.Metadata.Results
	}
	raw, _ := json.Marshal(map[string]string{"_error": resp.Metadata.ExecutionError})
	return raw
}
