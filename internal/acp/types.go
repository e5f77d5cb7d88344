// Package acp implements the client side of the ACP marketplace protocol:
// wire types for job events, the seller HTTP API, the agent search API, and
// the persistent socket that streams job events to a seller.
package acp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Phase is a job's position in the ACP lifecycle.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseNegotiation
	PhaseTransaction
	PhaseEvaluation
	PhaseCompleted
	PhaseRejected
	PhaseExpired
)

var phaseNames = map[Phase]string{
	PhaseRequest:     "REQUEST",
	PhaseNegotiation: "NEGOTIATION",
	PhaseTransaction: "TRANSACTION",
	PhaseEvaluation:  "EVALUATION",
	PhaseCompleted:   "COMPLETED",
	PhaseRejected:    "REJECTED",
	PhaseExpired:     "EXPIRED",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PHASE(%d)", int(p))
}

// Terminal reports whether the phase ends a job's lifecycle.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRejected || p == PhaseExpired
}

// FlexID is a numeric identifier that the backend serializes either as a
// JSON number or as a numeric string ("7"). Memo references arrive both ways.
type FlexID int64

func (f *FlexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric id %q: %w", s, err)
	}
	*f = FlexID(v)
	return nil
}

func (f FlexID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(f), 10)), nil
}

// Memo records a proposed phase transition. During negotiation its Content
// carries a JSON-encoded offering name and requirement payload.
type Memo struct {
	ID        int64  `json:"id"`
	NextPhase Phase  `json:"nextPhase"`
	Content   string `json:"content"`
}

// JobEvent is one unit of commerce between a buyer and this seller, as
// delivered by the event stream. Each event is self-contained; the runtime
// keeps no job record between events.
type JobEvent struct {
	ID            int64           `json:"id"`
	Phase         Phase           `json:"phase"`
	ClientAddress string          `json:"clientAddress"`
	Price         float64         `json:"price"`
	Context       json.RawMessage `json:"context,omitempty"`
	Memos         []Memo          `json:"memos"`
	MemoToSign    *FlexID         `json:"memoToSign,omitempty"`
}

// MemoByID returns the memo with the given id.
func (e *JobEvent) MemoByID(id int64) (Memo, bool) {
	for _, m := range e.Memos {
		if m.ID == id {
			return m, true
		}
	}
	return Memo{}, false
}

// NegotiationMemo returns the first memo proposing the NEGOTIATION phase.
// Offering name and requirements are always carried there.
func (e *JobEvent) NegotiationMemo() (Memo, bool) {
	for _, m := range e.Memos {
		if m.NextPhase == PhaseNegotiation {
			return m, true
		}
	}
	return Memo{}, false
}

// Requirement is the opaque payload a buyer attaches to a job. It is passed
// through to offering handlers without interpretation.
type Requirement map[string]any

// negotiationPayload is the JSON structure inside a negotiation memo.
type negotiationPayload struct {
	Name        string      `json:"name"`
	Requirement Requirement `json:"requirement"`
}

var errNoNegotiationMemo = errors.New("no negotiation memo present")

// OfferingPayload parses the memo's content as a negotiation payload and
// returns the offering name and requirement. Unparseable content or a blank
// name count as resolution failures.
func (m Memo) OfferingPayload() (string, Requirement, error) {
	var payload negotiationPayload
	if err := json.Unmarshal([]byte(m.Content), &payload); err != nil {
		return "", nil, fmt.Errorf("parse negotiation memo %d: %w", m.ID, err)
	}
	if payload.Name == "" {
		return "", nil, fmt.Errorf("negotiation memo %d carries no offering name", m.ID)
	}
	if payload.Requirement == nil {
		payload.Requirement = Requirement{}
	}
	return payload.Name, payload.Requirement, nil
}

// ResolveOffering extracts the offering name and requirement payload from
// the event's negotiation memo.
func (e *JobEvent) ResolveOffering() (string, Requirement, error) {
	memo, ok := e.NegotiationMemo()
	if !ok {
		return "", nil, errNoNegotiationMemo
	}
	return memo.OfferingPayload()
}

// PayableDetail describes an on-chain payment attached to a payment request
// or a delivery.
type PayableDetail struct {
	Amount       float64 `json:"amount"`
	TokenAddress string  `json:"tokenAddress"`
	Recipient    string  `json:"recipient"`
}

// Socket event names used by the ACP backend.
const (
	EventRoomJoined = "roomJoined"
	EventNewTask    = "onNewTask"
	EventEvaluate   = "onEvaluate"
	EventAck        = "ack"
)
