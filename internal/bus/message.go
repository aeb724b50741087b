// Package bus provides the in-process message fabric the scheduler uses
// to propagate status, claim, result, conflict, and handoff events. It
// offers four delivery modes: broadcast to every listener, direct
// delivery to one participant, blocking request/reply with correlation,
// and a competing-consumer work queue.
package bus

import (
	"time"

	"github.com/gafferd/gaffer/pkg/models"
)

// MessageKind enumerates the closed set of message variants. Every
// message carries exactly one payload, selected by its kind, so
// consumers can switch exhaustively.
type MessageKind string

const (
	// KindStatus carries a subtask status transition.
	KindStatus MessageKind = "status"
	// KindClaim carries a work-queue claim or release.
	KindClaim MessageKind = "claim"
	// KindResult carries a worker's output for a subtask.
	KindResult MessageKind = "result"
	// KindConflict carries a detected conflict and its resolution, if any.
	KindConflict MessageKind = "conflict"
	// KindHandoff carries the partial-result document of a degraded run.
	KindHandoff MessageKind = "handoff"
)

// Valid returns true if the kind is a known value.
func (k MessageKind) Valid() bool {
	switch k {
	case KindStatus, KindClaim, KindResult, KindConflict, KindHandoff:
		return true
	default:
		return false
	}
}

// StatusPayload reports a subtask moving between states.
type StatusPayload struct {
	// SubtaskID is the subtask that changed state.
	SubtaskID string `json:"subtask_id"`
	// From is the previous status.
	From models.SubtaskStatus `json:"from"`
	// To is the new status.
	To models.SubtaskStatus `json:"to"`
}

// ClaimPayload reports a queue entry being claimed or released.
type ClaimPayload struct {
	// SubtaskID is the claimed or released subtask.
	SubtaskID string `json:"subtask_id"`
	// WorkerID is the worker holding or surrendering the claim.
	WorkerID string `json:"worker_id"`
	// Released is true when the claim was given back.
	Released bool `json:"released,omitempty"`
}

// ResultPayload reports a worker handing back an output.
type ResultPayload struct {
	// Output is the submitted result.
	Output models.Output `json:"output"`
	// Err is the failure message when the execution failed.
	Err string `json:"err,omitempty"`
}

// ConflictPayload reports a detected conflict.
type ConflictPayload struct {
	// Conflict is the disagreement as detected.
	Conflict models.Conflict `json:"conflict"`
	// Resolution is set once the conflict has been resolved.
	Resolution *models.Resolution `json:"resolution,omitempty"`
}

// HandoffPayload reports a run degrading into a partial result.
type HandoffPayload struct {
	// Result is the handoff document.
	Result models.PartialResult `json:"result"`
}

// Message is one tagged variant on the bus. Kind selects which payload
// field is set; the others stay nil.
type Message struct {
	// ID is the unique identifier for this message.
	ID string `json:"id"`
	// Kind selects the payload variant.
	Kind MessageKind `json:"kind"`
	// Sender identifies the participant that produced the message.
	Sender string `json:"sender,omitempty"`
	// CorrelationID links a reply to its request.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`

	// Status is set when Kind is KindStatus.
	Status *StatusPayload `json:"status,omitempty"`
	// Claim is set when Kind is KindClaim.
	Claim *ClaimPayload `json:"claim,omitempty"`
	// Result is set when Kind is KindResult.
	Result *ResultPayload `json:"result,omitempty"`
	// Conflict is set when Kind is KindConflict.
	Conflict *ConflictPayload `json:"conflict,omitempty"`
	// Handoff is set when Kind is KindHandoff.
	Handoff *HandoffPayload `json:"handoff,omitempty"`
}

// NewStatusMessage builds a status-transition message.
func NewStatusMessage(sender, subtaskID string, from, to models.SubtaskStatus) Message {
	return newMessage(sender, KindStatus, Message{Status: &StatusPayload{SubtaskID: subtaskID, From: from, To: to}})
}

// NewClaimMessage builds a claim or release message.
func NewClaimMessage(sender, subtaskID, workerID string, released bool) Message {
	return newMessage(sender, KindClaim, Message{Claim: &ClaimPayload{SubtaskID: subtaskID, WorkerID: workerID, Released: released}})
}

// NewResultMessage builds a result message.
func NewResultMessage(sender string, output models.Output, errMsg string) Message {
	return newMessage(sender, KindResult, Message{Result: &ResultPayload{Output: output, Err: errMsg}})
}

// NewConflictMessage builds a conflict message.
func NewConflictMessage(sender string, c models.Conflict, res *models.Resolution) Message {
	return newMessage(sender, KindConflict, Message{Conflict: &ConflictPayload{Conflict: c, Resolution: res}})
}

// NewHandoffMessage builds a handoff message.
func NewHandoffMessage(sender string, pr models.PartialResult) Message {
	return newMessage(sender, KindHandoff, Message{Handoff: &HandoffPayload{Result: pr}})
}

func newMessage(sender string, kind MessageKind, m Message) Message {
	m.ID = newID()
	m.Kind = kind
	m.Sender = sender
	m.Timestamp = time.Now()
	return m
}
