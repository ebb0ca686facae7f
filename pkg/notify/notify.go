// Package notify delivers transfer outcome messages to the recipient's
// connected clients.
package notify

import (
	"context"
	"errors"

	"github.com/chainsafe/bridge-relayer/pkg/db"
)

// Type is the kind of notification.
type Type string

const (
	MintSuccess   Type = "MINT_SUCCESS"
	MintFailed    Type = "MINT_FAILED"
	UnlockSuccess Type = "UNLOCK_SUCCESS"
	UnlockFailed  Type = "UNLOCK_FAILED"
)

// Message is the JSON payload sent to clients.
type Message struct {
	Type Type `json:"type"`
	Data Data `json:"data"`
}

// Data carries the outcome details.
type Data struct {
	TargetTxHash string `json:"targetToTxHash,omitempty"`
	SourceTxHash string `json:"sourceFromTxHash,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Success builds the success message for action.
func Success(action db.Action, sourceTxHash, targetTxHash string) Message {
	t := MintSuccess
	if action == db.ActionUnlock {
		t = UnlockSuccess
	}
	return Message{Type: t, Data: Data{TargetTxHash: targetTxHash, SourceTxHash: sourceTxHash}}
}

// Failure builds the failure message for action.
func Failure(action db.Action, sourceTxHash string, err error) Message {
	t := MintFailed
	if action == db.ActionUnlock {
		t = UnlockFailed
	}
	msg := Message{Type: t, Data: Data{SourceTxHash: sourceTxHash}}
	if err != nil {
		msg.Data.Error = err.Error()
	}
	return msg
}

// Notifier sends a message to everything listening for address.
// Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, address string, msg Message) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) Notify(context.Context, string, Message) error { return nil }

// Multi fans a message out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, address string, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, address, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
