// Package identity maps DIDs to handles, preferring the materialized store
// and falling back to the DID directory.
package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/psky-social/relay/internal/metrics"
	"github.com/psky-social/relay/internal/store"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// InvalidHandle is stored when a DID document carries no at:// alias.
const InvalidHandle = "handle.invalid"

const (
	breakerName          = "did-directory"
	maxDocumentBytes     = 1 << 20
	defaultLookupTimeout = 10 * time.Second
)

var (
	// ErrUnsupportedDID is returned for DID methods other than plc and web.
	ErrUnsupportedDID = errors.New("identity: unsupported did method")
	// ErrDocumentNotFound is returned when the directory has no document for the DID.
	ErrDocumentNotFound = errors.New("identity: did document not found")

	errMissingStore = errors.New("identity: user store is required")
)

// UserStore is the subset of the materialized store the resolver needs.
type UserStore interface {
	GetUser(ctx context.Context, did string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (bool, error)
}

// ResolverConfig describes the dependencies of a Resolver.
type ResolverConfig struct {
	Store      UserStore
	HTTPClient *http.Client
	PLCURL     string
	Timeout    time.Duration
	Logger     *zap.Logger
	// WebScheme overrides the scheme used for did:web documents. Defaults to https.
	WebScheme string
}

// Resolver resolves DIDs to accounts, creating unknown accounts on first sight.
type Resolver struct {
	store     UserStore
	client    *http.Client
	plcURL    string
	webScheme string
	timeout   time.Duration
	logger    *zap.Logger
	breaker   *gobreaker.CircuitBreaker[string]
}

type didDocument struct {
	ID          string   `json:"id"`
	AlsoKnownAs []string `json:"alsoKnownAs"`
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	plcURL := strings.TrimRight(cfg.PLCURL, "/")
	if plcURL == "" {
		plcURL = "https://plc.directory"
	}
	webScheme := cfg.WebScheme
	if webScheme == "" {
		webScheme = "https"
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDocumentNotFound) || errors.Is(err, ErrUnsupportedDID)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state transition",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &Resolver{
		store:     cfg.Store,
		client:    client,
		plcURL:    plcURL,
		webScheme: webScheme,
		timeout:   timeout,
		logger:    logger,
		breaker:   breaker,
	}, nil
}

// Resolve returns the handle for did, creating the account when it is unknown.
func (r *Resolver) Resolve(ctx context.Context, did string) (string, error) {
	user, err := r.Account(ctx, did)
	if err != nil {
		return "", err
	}
	return user.Handle, nil
}

// Account returns the stored account for did. Unknown accounts are looked up
// in the directory and persisted before returning. Concurrent lookups for the
// same DID are absorbed by the idempotent insert.
func (r *Resolver) Account(ctx context.Context, did string) (store.User, error) {
	user, err := r.store.GetUser(ctx, did)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, err
	}

	handle, err := r.LookupHandle(ctx, did)
	if err != nil {
		return store.User{}, err
	}
	created, err := r.store.CreateUser(ctx, store.User{DID: did, Handle: handle, Active: true})
	if err != nil {
		return store.User{}, err
	}
	if created {
		r.logger.Info("account added", zap.String("did", did), zap.String("handle", handle))
	}
	return r.store.GetUser(ctx, did)
}

// LookupHandle queries the directory for did without touching the store.
func (r *Resolver) LookupHandle(ctx context.Context, did string) (string, error) {
	documentURL, err := r.documentURL(did)
	if err != nil {
		metrics.IdentityLookups.WithLabelValues("unsupported").Inc()
		return "", err
	}

	handle, err := r.breaker.Execute(func() (string, error) {
		return r.fetchHandle(ctx, documentURL)
	})
	switch {
	case err == nil:
		metrics.IdentityLookups.WithLabelValues("ok").Inc()
		return handle, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.IdentityLookups.WithLabelValues("rejected").Inc()
	case errors.Is(err, ErrDocumentNotFound):
		metrics.IdentityLookups.WithLabelValues("not_found").Inc()
	default:
		metrics.IdentityLookups.WithLabelValues("error").Inc()
	}
	return "", fmt.Errorf("resolve %s: %w", did, err)
}

func (r *Resolver) fetchHandle(ctx context.Context, documentURL string) (string, error) {
	requestCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, documentURL, nil)
	if err != nil {
		return "", err
	}
	request.Header.Set("Accept", "application/did+ld+json, application/json")

	response, err := r.client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound || response.StatusCode == http.StatusGone {
		return "", ErrDocumentNotFound
	}
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("directory responded with status %d", response.StatusCode)
	}

	var document didDocument
	if err := json.NewDecoder(io.LimitReader(response.Body, maxDocumentBytes)).Decode(&document); err != nil {
		return "", fmt.Errorf("decode did document: %w", err)
	}
	return HandleFromAliases(document.AlsoKnownAs), nil
}

// HandleFromAliases returns the handle from the first at:// alias, or InvalidHandle.
func HandleFromAliases(aliases []string) string {
	for _, alias := range aliases {
		if index := strings.Index(alias, "at://"); index >= 0 {
			handle := strings.TrimSpace(alias[index+len("at://"):])
			if handle != "" {
				return handle
			}
		}
	}
	return InvalidHandle
}

func (r *Resolver) documentURL(did string) (string, error) {
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		return r.plcURL + "/" + url.PathEscape(did), nil
	case strings.HasPrefix(did, "did:web:"):
		segments := strings.Split(strings.TrimPrefix(did, "did:web:"), ":")
		host, err := url.PathUnescape(segments[0])
		if err != nil || host == "" {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedDID, did)
		}
		if len(segments) == 1 {
			return r.webScheme + "://" + host + "/.well-known/did.json", nil
		}
		return r.webScheme + "://" + host + "/" + strings.Join(segments[1:], "/") + "/did.json", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDID, did)
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
