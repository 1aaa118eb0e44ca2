// Package mailpoll ingests client replies from a support mailbox and turns
// them into ticket messages.
package mailpoll

import (
	"context"
	"time"
)

// Part is one node of a decoded MIME tree.
type Part struct {
	MediaType string
	Body      []byte
	Children  []*Part
}

// Email is a fetched inbound message, decoded enough for ingestion plus the
// raw bytes for archival.
type Email struct {
	ProviderID string
	Subject    string
	From       string
	References string
	Date       time.Time
	Root       *Part
	Raw        []byte
}

// SearchQuery narrows a mailbox search.
type SearchQuery struct {
	To    string
	Since time.Time
}

// Profile describes the connected mailbox.
type Profile struct {
	Address  string
	Mailbox  string
	Messages uint32
}

// Provider is a read side of a mailbox. Implementations mark fetched
// messages seen so repeated polls converge even without dedup.
type Provider interface {
	Search(ctx context.Context, q SearchQuery) ([]string, error)
	GetMessage(ctx context.Context, id string) (*Email, error)
	Profile(ctx context.Context) (*Profile, error)
	Close() error
}
