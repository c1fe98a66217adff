package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: record not found")

	errMissingDatabase = errors.New("database handle is required")
	errMissingKey      = errors.New("primary key is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "store.service.new"
	opGetUser        = "store.get_user"
	opCreateUser     = "store.create_user"
	opUpdateHandle   = "store.update_handle"
	opSetNickname    = "store.set_nickname"
	opSetActive      = "store.set_active"
	opDeleteUser     = "store.delete_user"
	opGetRoom        = "store.get_room"
	opCreateRoom     = "store.create_room"
	opUpdateRoom     = "store.update_room"
	opDeleteRoom     = "store.delete_room"
	opGetMessage     = "store.get_message"
	opCreateMessage  = "store.create_message"
	opUpdateMessage  = "store.update_message"
	opDeleteMessage  = "store.delete_message"
	opListMessages   = "store.list_messages"
	reasonMissingKey = "missing_key"
	reasonQuery      = "query_failed"
	reasonInsert     = "insert_failed"
	reasonUpdate     = "update_failed"
	reasonDelete     = "delete_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the materialized store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns every persisted user, room and message row.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

func (s *Service) now() int64 {
	return s.clock().UTC().UnixMilli()
}

// GetUser returns the user or ErrNotFound.
func (s *Service) GetUser(ctx context.Context, did string) (User, error) {
	var user User
	if err := s.take(ctx, opGetUser, &user, "did = ?", did); err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateUser inserts the user unless a row with the same DID already exists.
// It reports whether a row was inserted.
func (s *Service) CreateUser(ctx context.Context, user User) (bool, error) {
	if user.DID == "" {
		return false, newServiceError(opCreateUser, reasonMissingKey, errMissingKey)
	}
	user.UpdatedAt = s.now()
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&user)
	if result.Error != nil {
		s.logError(opCreateUser, reasonInsert, result.Error, zap.String("did", user.DID))
		return false, newServiceError(opCreateUser, reasonInsert, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpdateHandle writes the handle only when it differs from the stored one.
// It reports whether a row changed.
func (s *Service) UpdateHandle(ctx context.Context, did, handle string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("did = ? AND handle <> ?", did, handle).
		Updates(map[string]interface{}{"handle": handle, "updated_at": s.now()})
	if result.Error != nil {
		s.logError(opUpdateHandle, reasonUpdate, result.Error, zap.String("did", did))
		return false, newServiceError(opUpdateHandle, reasonUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SetNickname stores the nickname, nil clearing it.
func (s *Service) SetNickname(ctx context.Context, did string, nickname *string) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("did = ?", did).
		Updates(map[string]interface{}{"nickname": nickname, "updated_at": s.now()})
	if result.Error != nil {
		s.logError(opSetNickname, reasonUpdate, result.Error, zap.String("did", did))
		return newServiceError(opSetNickname, reasonUpdate, result.Error)
	}
	return nil
}

// SetActive toggles the account active flag.
func (s *Service) SetActive(ctx context.Context, did string, active bool) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("did = ?", did).
		Updates(map[string]interface{}{"active": active, "updated_at": s.now()})
	if result.Error != nil {
		s.logError(opSetActive, reasonUpdate, result.Error, zap.String("did", did))
		return newServiceError(opSetActive, reasonUpdate, result.Error)
	}
	return nil
}

// DeleteUser removes the account; rooms and messages cascade.
func (s *Service) DeleteUser(ctx context.Context, did string) error {
	if err := s.db.WithContext(ctx).Where("did = ?", did).Delete(&User{}).Error; err != nil {
		s.logError(opDeleteUser, reasonDelete, err, zap.String("did", did))
		return newServiceError(opDeleteUser, reasonDelete, err)
	}
	return nil
}

// GetRoom returns the room or ErrNotFound.
func (s *Service) GetRoom(ctx context.Context, uri string) (Room, error) {
	var room Room
	if err := s.take(ctx, opGetRoom, &room, "uri = ?", uri); err != nil {
		return Room{}, err
	}
	return room, nil
}

// CreateRoom inserts the room unless it already exists. It reports whether a row was inserted.
func (s *Service) CreateRoom(ctx context.Context, room Room) (bool, error) {
	if room.URI == "" {
		return false, newServiceError(opCreateRoom, reasonMissingKey, errMissingKey)
	}
	room.UpdatedAt = s.now()
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&room)
	if result.Error != nil {
		s.logError(opCreateRoom, reasonInsert, result.Error, zap.String("uri", room.URI))
		return false, newServiceError(opCreateRoom, reasonInsert, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpdateRoom overwrites the mutable room fields, inserting the room when it is missing.
func (s *Service) UpdateRoom(ctx context.Context, room Room) error {
	if room.URI == "" {
		return newServiceError(opUpdateRoom, reasonMissingKey, errMissingKey)
	}
	room.UpdatedAt = s.now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		DoUpdates: clause.AssignmentColumns([]string{"cid", "name", "topic", "languages", "tags", "allowlist", "denylist", "updated_at"}),
	}).Create(&room).Error
	if err != nil {
		s.logError(opUpdateRoom, reasonUpdate, err, zap.String("uri", room.URI))
		return newServiceError(opUpdateRoom, reasonUpdate, err)
	}
	return nil
}

// DeleteRoom removes the room and its messages. Deleting a missing room is not an error.
func (s *Service) DeleteRoom(ctx context.Context, uri string) error {
	if err := s.db.WithContext(ctx).Where("uri = ?", uri).Delete(&Room{}).Error; err != nil {
		s.logError(opDeleteRoom, reasonDelete, err, zap.String("uri", uri))
		return newServiceError(opDeleteRoom, reasonDelete, err)
	}
	return nil
}

// GetMessage returns the message or ErrNotFound.
func (s *Service) GetMessage(ctx context.Context, uri string) (Message, error) {
	var message Message
	if err := s.take(ctx, opGetMessage, &message, "uri = ?", uri); err != nil {
		return Message{}, err
	}
	return message, nil
}

// CreateMessage inserts the message with indexed_at set to now, unless it already exists.
// The stored row is returned either way.
func (s *Service) CreateMessage(ctx context.Context, message Message) (Message, bool, error) {
	if message.URI == "" {
		return Message{}, false, newServiceError(opCreateMessage, reasonMissingKey, errMissingKey)
	}
	message.IndexedAt = s.now()
	message.UpdatedAt = nil
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&message)
	if result.Error != nil {
		s.logError(opCreateMessage, reasonInsert, result.Error, zap.String("uri", message.URI))
		return Message{}, false, newServiceError(opCreateMessage, reasonInsert, result.Error)
	}
	if result.RowsAffected > 0 {
		return message, true, nil
	}
	stored, err := s.GetMessage(ctx, message.URI)
	if err != nil {
		return Message{}, false, err
	}
	return stored, false, nil
}

// UpdateMessage edits content, cid and facets in place and stamps updated_at.
// A missing message is inserted first so an edit never gets lost.
func (s *Service) UpdateMessage(ctx context.Context, message Message) (Message, error) {
	if message.URI == "" {
		return Message{}, newServiceError(opUpdateMessage, reasonMissingKey, errMissingKey)
	}
	now := s.now()
	message.IndexedAt = now
	message.UpdatedAt = &now
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		DoUpdates: clause.AssignmentColumns([]string{"cid", "content", "facets", "updated_at"}),
	}).Create(&message).Error
	if err != nil {
		s.logError(opUpdateMessage, reasonUpdate, err, zap.String("uri", message.URI))
		return Message{}, newServiceError(opUpdateMessage, reasonUpdate, err)
	}
	return s.GetMessage(ctx, message.URI)
}

// DeleteMessage removes the message and returns the deleted row. A missing
// message yields ErrNotFound so callers can still emit a delete without a room.
func (s *Service) DeleteMessage(ctx context.Context, uri string) (Message, error) {
	existing, err := s.GetMessage(ctx, uri)
	if err != nil {
		return Message{}, err
	}
	if err := s.db.WithContext(ctx).Where("uri = ?", uri).Delete(&Message{}).Error; err != nil {
		s.logError(opDeleteMessage, reasonDelete, err, zap.String("uri", uri))
		return Message{}, newServiceError(opDeleteMessage, reasonDelete, err)
	}
	return existing, nil
}

// ListMessages returns messages by active authors, newest first.
func (s *Service) ListMessages(ctx context.Context, query MessageQuery) ([]MessageView, error) {
	statement := s.db.WithContext(ctx).
		Table("messages").
		Select("messages.*, users.handle, users.nickname").
		Joins("JOIN users ON users.did = messages.did").
		Where("users.active = ?", true)
	if query.Collection != "" {
		statement = statement.Where("messages.collection = ?", query.Collection)
	}
	if query.Room != "" {
		statement = statement.Where("messages.room = ?", query.Room)
	}
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}
	if query.Offset > 0 {
		statement = statement.Offset(query.Offset)
	}

	views := []MessageView{}
	if err := statement.Order("messages.indexed_at DESC").Scan(&views).Error; err != nil {
		s.logError(opListMessages, reasonQuery, err, zap.String("room", query.Room))
		return nil, newServiceError(opListMessages, reasonQuery, err)
	}
	return views, nil
}

func (s *Service) take(ctx context.Context, operation string, dest interface{}, where string, key string) error {
	if key == "" {
		return newServiceError(operation, reasonMissingKey, errMissingKey)
	}
	err := s.db.WithContext(ctx).Where(where, key).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		s.logError(operation, reasonQuery, err, zap.String("key", key))
		return newServiceError(operation, reasonQuery, err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("store service error", attrs...)
}
