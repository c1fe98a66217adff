// Package firehose consumes the Jetstream event feed.
package firehose

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Kind tags the variant carried by an Event.
type Kind string

const (
	KindCommit   Kind = "commit"
	KindIdentity Kind = "identity"
	KindAccount  Kind = "account"
)

// Operation is the repository operation of a commit.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ErrMalformedEvent marks a frame that does not decode into a known variant.
var ErrMalformedEvent = errors.New("firehose: malformed event")

// Event is one frame of the feed. Exactly one of Commit, Identity or Account
// is set, matching Kind.
type Event struct {
	DID      string    `json:"did"`
	TimeUS   int64     `json:"time_us"`
	Kind     Kind      `json:"kind"`
	Commit   *Commit   `json:"commit,omitempty"`
	Identity *Identity `json:"identity,omitempty"`
	Account  *Account  `json:"account,omitempty"`

	// Type is the pre-"kind" field name some feed versions still send.
	Type string `json:"type,omitempty"`
}

// Commit describes a record create, update or delete.
type Commit struct {
	Rev        string          `json:"rev,omitempty"`
	Operation  Operation       `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`

	// Type carries the legacy c/u/d operation code.
	Type string `json:"type,omitempty"`
}

// Identity reports a handle change.
type Identity struct {
	DID    string `json:"did"`
	Handle string `json:"handle,omitempty"`
	Seq    int64  `json:"seq"`
	Time   string `json:"time"`
}

// Account reports an account status change.
type Account struct {
	DID    string `json:"did"`
	Active bool   `json:"active"`
	Status string `json:"status,omitempty"`
	Seq    int64  `json:"seq"`
	Time   string `json:"time"`
}

// URI returns the at:// URI of the record a commit refers to.
func (e Event) URI() string {
	if e.Commit == nil {
		return ""
	}
	return "at://" + e.DID + "/" + e.Commit.Collection + "/" + e.Commit.RKey
}

// Collection returns the commit collection, or "" for non-commit events.
func (e Event) Collection() string {
	if e.Commit == nil {
		return ""
	}
	return e.Commit.Collection
}

// Decode parses a frame and normalizes legacy field spellings.
func Decode(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.Kind == "" {
		event.Kind = legacyKind(event.Type)
	}
	if event.DID == "" {
		return Event{}, fmt.Errorf("%w: missing did", ErrMalformedEvent)
	}

	switch event.Kind {
	case KindCommit:
		if event.Commit == nil {
			return Event{}, fmt.Errorf("%w: commit event without commit", ErrMalformedEvent)
		}
		if event.Commit.Operation == "" {
			event.Commit.Operation = legacyOperation(event.Commit.Type)
		}
		switch event.Commit.Operation {
		case OperationCreate, OperationUpdate, OperationDelete:
		default:
			return Event{}, fmt.Errorf("%w: unknown operation %q", ErrMalformedEvent, event.Commit.Operation)
		}
		if event.Commit.Collection == "" || event.Commit.RKey == "" {
			return Event{}, fmt.Errorf("%w: commit without collection or rkey", ErrMalformedEvent)
		}
	case KindIdentity:
		if event.Identity == nil {
			return Event{}, fmt.Errorf("%w: identity event without identity", ErrMalformedEvent)
		}
	case KindAccount:
		if event.Account == nil {
			return Event{}, fmt.Errorf("%w: account event without account", ErrMalformedEvent)
		}
	}
	return event, nil
}

func legacyKind(value string) Kind {
	switch value {
	case "com":
		return KindCommit
	case "id":
		return KindIdentity
	case "acc":
		return KindAccount
	default:
		return Kind(value)
	}
}

func legacyOperation(value string) Operation {
	switch value {
	case "c":
		return OperationCreate
	case "u":
		return OperationUpdate
	case "d":
		return OperationDelete
	default:
		return Operation(value)
	}
}
