package store

import (
	"strings"

	"gorm.io/datatypes"
)

// User is a materialized account keyed by its DID.
type User struct {
	DID       string  `gorm:"column:did;primaryKey"`
	Handle    string  `gorm:"column:handle;not null"`
	Nickname  *string `gorm:"column:nickname"`
	Active    bool    `gorm:"column:active;not null"`
	UpdatedAt int64   `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Room is a chat room owned by a single account.
type Room struct {
	URI       string         `gorm:"column:uri;primaryKey"`
	CID       string         `gorm:"column:cid;not null"`
	OwnerDID  string         `gorm:"column:owner_did;not null"`
	Name      string         `gorm:"column:name;not null"`
	Topic     *string        `gorm:"column:topic"`
	Languages datatypes.JSON `gorm:"column:languages"`
	Tags      datatypes.JSON `gorm:"column:tags"`
	Allowlist datatypes.JSON `gorm:"column:allowlist"`
	Denylist  datatypes.JSON `gorm:"column:denylist"`
	UpdatedAt int64          `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// Message is a chat message or feed post. Room is nil for collections without rooms.
type Message struct {
	URI        string         `gorm:"column:uri;primaryKey"`
	CID        string         `gorm:"column:cid;not null"`
	Collection string         `gorm:"column:collection;not null"`
	DID        string         `gorm:"column:did;not null"`
	Room       *string        `gorm:"column:room"`
	Content    string         `gorm:"column:content;not null"`
	Facets     datatypes.JSON `gorm:"column:facets"`
	Reply      datatypes.JSON `gorm:"column:reply"`
	IndexedAt  int64          `gorm:"column:indexed_at;not null"`
	UpdatedAt  *int64         `gorm:"column:updated_at;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// RKey returns the record key, the last path segment of the message URI.
func (m Message) RKey() string {
	return RecordKey(m.URI)
}

// MessageView is a message joined with its author's display fields.
type MessageView struct {
	Message  `gorm:"embedded"`
	Handle   string  `gorm:"column:handle"`
	Nickname *string `gorm:"column:nickname"`
}

// MessageQuery selects a page of messages ordered by indexing time, newest first.
type MessageQuery struct {
	Collection string
	Room       string
	Limit      int
	Offset     int
}

// RecordURI builds the at:// URI of a repository record.
func RecordURI(did, collection, rkey string) string {
	return "at://" + did + "/" + collection + "/" + rkey
}

// RecordKey extracts the record key from an at:// URI.
func RecordKey(uri string) string {
	if index := strings.LastIndex(uri, "/"); index >= 0 {
		return uri[index+1:]
	}
	return uri
}
