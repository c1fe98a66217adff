package relay

import (
	"bytes"

	json "github.com/goccy/go-json"
	"github.com/psky-social/relay/internal/validate"
	"gorm.io/datatypes"
)

// Collections handled by the relay.
const (
	CollectionProfile = "social.psky.actor.profile"
	CollectionRoom    = "social.psky.chat.room"
	CollectionMessage = "social.psky.chat.message"
	CollectionPost    = "social.psky.feed.post"
)

// ContentKind configures the shared text content handler for one collection.
type ContentKind struct {
	Collection string
	// TextField names the record field carrying the text.
	TextField    string
	RequiresRoom bool
	Limits       validate.Limits
}

// ChatMessageKind is the content kind for room scoped chat messages.
func ChatMessageKind(limits validate.Limits) ContentKind {
	return ContentKind{Collection: CollectionMessage, TextField: "content", RequiresRoom: true, Limits: limits}
}

// FeedPostKind is the content kind for roomless feed posts.
func FeedPostKind(limits validate.Limits) ContentKind {
	return ContentKind{Collection: CollectionPost, TextField: "text", Limits: limits}
}

type profileRecord struct {
	Nickname *string `json:"nickname"`
}

type roomRecord struct {
	Name      string          `json:"name"`
	Topic     *string         `json:"topic"`
	Languages json.RawMessage `json:"languages"`
	Tags      json.RawMessage `json:"tags"`
	Allowlist json.RawMessage `json:"allowlist"`
	Denylist  json.RawMessage `json:"denylist"`
}

type contentRecord struct {
	Content string          `json:"content"`
	Text    string          `json:"text"`
	Room    string          `json:"room"`
	Facets  json.RawMessage `json:"facets"`
	Reply   json.RawMessage `json:"reply"`
}

func (r contentRecord) text(kind ContentKind) string {
	if kind.TextField == "text" {
		return r.Text
	}
	return r.Content
}

// jsonColumn keeps absent and explicit null values out of the database.
func jsonColumn(raw json.RawMessage) datatypes.JSON {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return datatypes.JSON(trimmed)
}

func rawOrNil(column datatypes.JSON) json.RawMessage {
	if len(column) == 0 {
		return nil
	}
	return json.RawMessage(column)
}

type contentEnvelope struct {
	Type      string          `json:"$type"`
	DID       string          `json:"did"`
	RKey      string          `json:"rkey"`
	CID       string          `json:"cid"`
	Content   string          `json:"content"`
	Room      string          `json:"room,omitempty"`
	Facets    json.RawMessage `json:"facets,omitempty"`
	Reply     json.RawMessage `json:"reply,omitempty"`
	Handle    string          `json:"handle"`
	Nickname  *string         `json:"nickname,omitempty"`
	IndexedAt int64           `json:"indexedAt"`
	UpdatedAt *int64          `json:"updatedAt,omitempty"`
}

type deleteEnvelope struct {
	Type string `json:"$type"`
	DID  string `json:"did"`
	RKey string `json:"rkey"`
	URI  string `json:"uri"`
	Room string `json:"room,omitempty"`
}

type roomEnvelope struct {
	Type      string          `json:"$type"`
	DID       string          `json:"did"`
	RKey      string          `json:"rkey"`
	CID       string          `json:"cid"`
	URI       string          `json:"uri"`
	Name      string          `json:"name"`
	Topic     *string         `json:"topic,omitempty"`
	Languages json.RawMessage `json:"languages,omitempty"`
	Tags      json.RawMessage `json:"tags,omitempty"`
	Handle    string          `json:"handle"`
}

func envelopeType(collection, operation string) string {
	return collection + "#" + operation
}
