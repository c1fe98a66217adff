// Package relay turns firehose events into store writes and subscriber envelopes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/psky-social/relay/internal/checkpoint"
	"github.com/psky-social/relay/internal/firehose"
	"github.com/psky-social/relay/internal/hub"
	"github.com/psky-social/relay/internal/metrics"
	"github.com/psky-social/relay/internal/store"
	"github.com/psky-social/relay/internal/validate"
	"go.uber.org/zap"
)

var (
	errMissingStore     = errors.New("relay: store is required")
	errMissingAccounts  = errors.New("relay: account resolver is required")
	errMissingPublisher = errors.New("relay: publisher is required")
	errMissingStream    = errors.New("relay: stream is required")
	errMissingCursor    = errors.New("relay: checkpoint store is required")

	// errRejected marks events dropped by validation or unresolved references.
	errRejected = errors.New("relay: event rejected")
	// errIgnored marks events that need no action.
	errIgnored = errors.New("relay: event ignored")
	// errMalformedRecord marks commits whose record does not decode.
	errMalformedRecord = errors.New("relay: malformed record")
)

// Store is the materialized store surface used by the handlers.
type Store interface {
	GetUser(ctx context.Context, did string) (store.User, error)
	UpdateHandle(ctx context.Context, did, handle string) (bool, error)
	SetNickname(ctx context.Context, did string, nickname *string) error
	SetActive(ctx context.Context, did string, active bool) error
	DeleteUser(ctx context.Context, did string) error
	GetRoom(ctx context.Context, uri string) (store.Room, error)
	CreateRoom(ctx context.Context, room store.Room) (bool, error)
	UpdateRoom(ctx context.Context, room store.Room) error
	DeleteRoom(ctx context.Context, uri string) error
	CreateMessage(ctx context.Context, message store.Message) (store.Message, bool, error)
	UpdateMessage(ctx context.Context, message store.Message) (store.Message, error)
	DeleteMessage(ctx context.Context, uri string) (store.Message, error)
}

// Accounts returns the account for a DID, creating it on first sight.
type Accounts interface {
	Account(ctx context.Context, did string) (store.User, error)
}

// Publisher receives every envelope produced by an accepted event.
type Publisher interface {
	Publish(envelope hub.Envelope)
}

// Stream delivers events in order to handler, starting at cursor.
type Stream interface {
	Run(ctx context.Context, cursor int64, handler firehose.Handler) error
}

// Config describes the dependencies of a Consumer.
type Config struct {
	Store     Store
	Accounts  Accounts
	Publisher Publisher
	Kinds     []ContentKind

	Stream             Stream
	Checkpoints        checkpoint.Store
	CheckpointInterval time.Duration

	Logger *zap.Logger
}

// Consumer dispatches each event to exactly one handler, strictly in stream order.
type Consumer struct {
	store              Store
	accounts           Accounts
	publisher          Publisher
	kinds              map[string]ContentKind
	stream             Stream
	checkpoints        checkpoint.Store
	checkpointInterval time.Duration
	position           *checkpoint.Position
	logger             *zap.Logger
}

func New(cfg Config) (*Consumer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Accounts == nil {
		return nil, errMissingAccounts
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	kinds := make(map[string]ContentKind, len(cfg.Kinds))
	for _, kind := range cfg.Kinds {
		kinds[kind.Collection] = kind
	}
	return &Consumer{
		store:              cfg.Store,
		accounts:           cfg.Accounts,
		publisher:          cfg.Publisher,
		kinds:              kinds,
		stream:             cfg.Stream,
		checkpoints:        cfg.Checkpoints,
		checkpointInterval: cfg.CheckpointInterval,
		position:           &checkpoint.Position{},
		logger:             logger,
	}, nil
}

// Position exposes the latest observed stream cursor.
func (c *Consumer) Position() *checkpoint.Position {
	return c.position
}

// Run loads the checkpoint, consumes the stream from it and flushes the
// observed position on a ticker until ctx is canceled. A final flush happens
// before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if c.stream == nil {
		return errMissingStream
	}
	if c.checkpoints == nil {
		return errMissingCursor
	}
	cursor, err := c.checkpoints.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	c.position.Observe(cursor)
	c.logger.Info("relay starting", zap.Int64("cursor", cursor))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	flusher := checkpoint.NewFlusher(checkpoint.FlusherConfig{
		Store:    c.checkpoints,
		Position: c.position,
		Interval: c.checkpointInterval,
		Logger:   c.logger,
	})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		flusher.Run(runCtx)
	}()

	err = c.stream.Run(runCtx, cursor, c.Handle)
	cancel()
	wg.Wait()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Handle processes one event. Failures are logged with the event and never
// stop consumption; the event cursor is recorded either way.
func (c *Consumer) Handle(ctx context.Context, event firehose.Event) {
	started := time.Now()
	err := c.dispatch(ctx, event)
	metrics.HandlerDuration.WithLabelValues(string(event.Kind)).Observe(time.Since(started).Seconds())

	outcome := metrics.OutcomeAccepted
	switch {
	case err == nil:
	case errors.Is(err, errIgnored):
		outcome = metrics.OutcomeIgnored
	case errors.Is(err, errRejected):
		outcome = metrics.OutcomeRejected
		c.logger.Debug("event rejected", zap.Error(err), zap.String("did", event.DID), zap.String("collection", event.Collection()))
	case errors.Is(err, errMalformedRecord):
		outcome = metrics.OutcomeRejected
		c.logger.Warn("malformed record dropped", zap.Error(err), zap.ByteString("event", encodeEvent(event)))
	default:
		outcome = metrics.OutcomeFailed
		c.logger.Error("event handler failed", zap.Error(err), zap.ByteString("event", encodeEvent(event)))
	}
	metrics.EventsProcessed.WithLabelValues(string(event.Kind), event.Collection(), outcome).Inc()

	c.position.Observe(event.TimeUS)
}

func (c *Consumer) dispatch(ctx context.Context, event firehose.Event) error {
	switch {
	case event.Kind == firehose.KindCommit && event.Commit != nil:
		switch event.Commit.Collection {
		case CollectionProfile:
			return c.handleProfile(ctx, event)
		case CollectionRoom:
			return c.handleRoom(ctx, event)
		default:
			kind, ok := c.kinds[event.Commit.Collection]
			if !ok {
				return errIgnored
			}
			return c.handleContent(ctx, kind, event)
		}
	case event.Kind == firehose.KindIdentity && event.Identity != nil:
		return c.handleIdentity(ctx, event)
	case event.Kind == firehose.KindAccount && event.Account != nil:
		return c.handleAccount(ctx, event)
	default:
		return errIgnored
	}
}

func (c *Consumer) handleProfile(ctx context.Context, event firehose.Event) error {
	if event.Commit.Operation == firehose.OperationDelete {
		return c.store.SetNickname(ctx, event.DID, nil)
	}
	var record profileRecord
	if err := decodeRecord(event, &record); err != nil {
		return err
	}
	if _, err := c.accounts.Account(ctx, event.DID); err != nil {
		return err
	}
	return c.store.SetNickname(ctx, event.DID, validate.Nickname(record.Nickname))
}

func (c *Consumer) handleRoom(ctx context.Context, event firehose.Event) error {
	commit := event.Commit
	uri := event.URI()
	if commit.Operation == firehose.OperationDelete {
		if err := c.store.DeleteRoom(ctx, uri); err != nil {
			return err
		}
		c.publish(envelopeType(CollectionRoom, "delete"), uri, deleteEnvelope{
			Type: envelopeType(CollectionRoom, "delete"),
			DID:  event.DID,
			RKey: commit.RKey,
			URI:  uri,
			Room: uri,
		})
		return nil
	}

	var record roomRecord
	if err := decodeRecord(event, &record); err != nil {
		return err
	}
	if !validate.RoomName(record.Name) {
		return fmt.Errorf("%w: invalid room name for %s", errRejected, uri)
	}
	owner, err := c.accounts.Account(ctx, event.DID)
	if err != nil {
		return err
	}

	room := store.Room{
		URI:       uri,
		CID:       commit.CID,
		OwnerDID:  event.DID,
		Name:      record.Name,
		Topic:     validate.Topic(record.Topic),
		Languages: jsonColumn(record.Languages),
		Tags:      jsonColumn(record.Tags),
		Allowlist: jsonColumn(record.Allowlist),
		Denylist:  jsonColumn(record.Denylist),
	}
	operation := string(commit.Operation)
	if commit.Operation == firehose.OperationCreate {
		created, err := c.store.CreateRoom(ctx, room)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
	} else if err := c.store.UpdateRoom(ctx, room); err != nil {
		return err
	}

	c.publish(envelopeType(CollectionRoom, operation), uri, roomEnvelope{
		Type:      envelopeType(CollectionRoom, operation),
		DID:       event.DID,
		RKey:      commit.RKey,
		CID:       commit.CID,
		URI:       uri,
		Name:      room.Name,
		Topic:     room.Topic,
		Languages: rawOrNil(room.Languages),
		Tags:      rawOrNil(room.Tags),
		Handle:    owner.Handle,
	})
	return nil
}

func (c *Consumer) handleContent(ctx context.Context, kind ContentKind, event firehose.Event) error {
	commit := event.Commit
	uri := event.URI()
	if commit.Operation == firehose.OperationDelete {
		deleted, err := c.store.DeleteMessage(ctx, uri)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		room := ""
		if deleted.Room != nil {
			room = *deleted.Room
		}
		c.publish(envelopeType(kind.Collection, "delete"), room, deleteEnvelope{
			Type: envelopeType(kind.Collection, "delete"),
			DID:  event.DID,
			RKey: commit.RKey,
			URI:  uri,
			Room: room,
		})
		return nil
	}

	var record contentRecord
	if err := decodeRecord(event, &record); err != nil {
		return err
	}
	text := record.text(kind)
	if !validate.Text(text, kind.Limits) {
		return fmt.Errorf("%w: content outside limits for %s", errRejected, uri)
	}

	var room *string
	if kind.RequiresRoom {
		if record.Room == "" {
			return fmt.Errorf("%w: missing room for %s", errRejected, uri)
		}
		if _, err := c.store.GetRoom(ctx, record.Room); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: unknown room %s for %s", errRejected, record.Room, uri)
			}
			return err
		}
		room = &record.Room
	}

	author, err := c.accounts.Account(ctx, event.DID)
	if err != nil {
		return err
	}

	message := store.Message{
		URI:        uri,
		CID:        commit.CID,
		Collection: kind.Collection,
		DID:        event.DID,
		Room:       room,
		Content:    text,
		Facets:     jsonColumn(record.Facets),
		Reply:      jsonColumn(record.Reply),
	}
	var stored store.Message
	if commit.Operation == firehose.OperationCreate {
		var created bool
		stored, created, err = c.store.CreateMessage(ctx, message)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
	} else {
		stored, err = c.store.UpdateMessage(ctx, message)
		if err != nil {
			return err
		}
	}

	roomURI := ""
	if stored.Room != nil {
		roomURI = *stored.Room
	}
	operation := string(commit.Operation)
	c.publish(envelopeType(kind.Collection, operation), roomURI, contentEnvelope{
		Type:      envelopeType(kind.Collection, operation),
		DID:       event.DID,
		RKey:      commit.RKey,
		CID:       stored.CID,
		Content:   stored.Content,
		Room:      roomURI,
		Facets:    rawOrNil(stored.Facets),
		Reply:     rawOrNil(stored.Reply),
		Handle:    author.Handle,
		Nickname:  author.Nickname,
		IndexedAt: stored.IndexedAt,
		UpdatedAt: stored.UpdatedAt,
	})
	return nil
}

func (c *Consumer) handleIdentity(ctx context.Context, event firehose.Event) error {
	handle := event.Identity.Handle
	if handle == "" {
		return errIgnored
	}
	changed, err := c.store.UpdateHandle(ctx, event.DID, handle)
	if err != nil {
		return err
	}
	if !changed {
		return errIgnored
	}
	c.logger.Info("handle updated", zap.String("did", event.DID), zap.String("handle", handle))
	return nil
}

func (c *Consumer) handleAccount(ctx context.Context, event firehose.Event) error {
	user, err := c.store.GetUser(ctx, event.DID)
	if errors.Is(err, store.ErrNotFound) {
		return errIgnored
	}
	if err != nil {
		return err
	}

	account := event.Account
	switch {
	case !account.Active && account.Status == "deleted":
		if err := c.store.DeleteUser(ctx, event.DID); err != nil {
			return err
		}
		c.logger.Info("account deleted", zap.String("did", event.DID))
	case !account.Active && account.Status != "":
		if err := c.store.SetActive(ctx, event.DID, false); err != nil {
			return err
		}
		c.logger.Info("account disabled", zap.String("did", event.DID), zap.String("status", account.Status))
	case account.Active && !user.Active:
		if err := c.store.SetActive(ctx, event.DID, true); err != nil {
			return err
		}
		c.logger.Info("account reactivated", zap.String("did", event.DID))
	default:
		return errIgnored
	}
	return nil
}

func (c *Consumer) publish(kind, room string, payload interface{}) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to encode envelope", zap.String("type", kind), zap.Error(err))
		return
	}
	c.publisher.Publish(hub.Envelope{Type: kind, Room: room, Payload: encoded})
}

func decodeRecord(event firehose.Event, dest interface{}) error {
	if len(event.Commit.Record) == 0 {
		return fmt.Errorf("%w: missing record for %s", errMalformedRecord, event.URI())
	}
	if err := json.Unmarshal(event.Commit.Record, dest); err != nil {
		return fmt.Errorf("%w: %v", errMalformedRecord, err)
	}
	return nil
}

func encodeEvent(event firehose.Event) []byte {
	encoded, err := json.Marshal(event)
	if err != nil {
		return nil
	}
	return encoded
}
