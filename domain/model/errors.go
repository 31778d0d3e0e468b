package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks a configured category identifier that cannot be
	// resolved to a category. Surfaced as a misconfiguration diagnostic.
	ErrConfig = errors.New("category is not configured correctly")

	// ErrUnauthorized marks an actor lacking the rights for an operation.
	ErrUnauthorized = errors.New("not allowed to manage this ticket")

	// ErrUnidentifiableTicket marks a channel whose topic carries no
	// recoverable owner, so closure cannot proceed.
	ErrUnidentifiableTicket = errors.New("channel topic carries no ticket owner")
)

// DuplicateTicketError reports that the user already has an open ticket of
// the requested type. It carries the existing channel so the caller can
// point the user at it.
type DuplicateTicketError struct {
	ChannelID string
}

func (e *DuplicateTicketError) Error() string {
	return fmt.Sprintf("ticket already open in channel %s", e.ChannelID)
}
