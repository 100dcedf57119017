package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"labfolio/api/internal/auth"
	"labfolio/api/internal/config"
	"labfolio/api/internal/email"
	"labfolio/api/internal/identity"
	"labfolio/api/internal/store"
	"labfolio/api/internal/util"
)

// Session is the verified caller identity for one request. Login and
// token issuance live in the Labfolio auth service; this subsystem
// only validates the bearer token it is handed.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	ExpiresAt time.Time
}

type dataStore interface {
	GetDocument(context.Context, string) (store.Document, error)
	InsertDocument(context.Context, store.Document) error
	ListGrants(context.Context, string) ([]store.AccessGrant, error)
	GetGrant(context.Context, string, string) (store.AccessGrant, error)
	UpsertGrant(context.Context, string, store.AccessGrant) error
	UpsertGrantPrivileged(context.Context, store.AccessGrant) error
	UpdateGrantLevel(context.Context, string, string, string, string) (bool, error)
	DeleteGrant(context.Context, string, string, string) (bool, error)
	DeleteGrantPrivileged(context.Context, string, string) (bool, error)
	CallUpdatePermissionProc(context.Context, string, string, string, string) (bool, error)
	CallRemoveCollaboratorProc(context.Context, string, string, string) (bool, error)
	CreateInvitation(context.Context, string, store.Invitation) error
	GetInvitation(context.Context, string) (store.Invitation, error)
	ListInvitations(context.Context, string) ([]store.Invitation, error)
	ListPendingInvitations(context.Context, string) ([]store.Invitation, error)
	PendingInvitationExists(context.Context, string, string) (bool, error)
	DeleteInvitation(context.Context, string, string) (bool, error)
	RevokeInvitationsForUser(context.Context, string, string, string, string) (int64, error)
	ListUnreconciledAcceptances(context.Context, string) ([]store.Invitation, error)
	LatestAcceptedInvitation(context.Context, string, string) (*store.Invitation, error)
	GrantExistsForEmail(context.Context, string, string) (bool, error)
	GetProfiles(context.Context, []string) (map[string]store.Profile, error)
	GetProfileByEmail(context.Context, string) (store.Profile, error)
	InsertProfile(context.Context, store.Profile) error
	HasPrivileged() bool
	Ping(ctx context.Context) error
}

type profileDirectory interface {
	ResolveProfiles(context.Context, []string) (map[string]*store.Profile, error)
	Invalidate(context.Context, string)
}

type identityProvider interface {
	Configured() bool
	GetUserByEmail(context.Context, string) (identity.Account, error)
	InviteByEmail(context.Context, string, map[string]any) (identity.Account, error)
	UpdateUserMetadata(context.Context, string, map[string]any) error
}

type mailSender interface {
	IsConfigured() bool
	SendInvitationEmail(string, email.InvitationData) error
}

type cachePinger interface {
	Ping(context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	directory profileDirectory
	provider  identityProvider
	mail      mailSender
	cache     cachePinger
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, directory *identity.Directory, provider *identity.Client, mail *email.Service, cache *identity.ProfileCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{
		cfg:    cfg,
		store:  dataStore,
		logger: logger,
		now:    time.Now,
	}
	if directory != nil {
		svc.directory = directory
	}
	if provider != nil {
		svc.provider = provider
	}
	if mail != nil {
		svc.mail = mail
	}
	if cache != nil {
		svc.cache = cache
	}
	return svc
}

// Bootstrap seeds a demo owner, document, and a deliberately
// half-finished acceptance so a fresh environment exercises the repair
// path on first read. Runs only when LABFOLIO_BOOTSTRAP=1.
func (s *Service) Bootstrap(ctx context.Context) error {
	const demoDoc = "note-demo"

	if _, err := s.store.GetDocument(ctx, demoDoc); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	owner := store.Profile{
		ID:        "user_demo_owner",
		FirstName: "Avery",
		LastName:  "Ruiz",
		Email:     "avery@lab.example",
	}
	collaborator := store.Profile{
		ID:        "user_demo_collab",
		FirstName: "Noor",
		LastName:  "Haddad",
		Email:     "noor@lab.example",
	}
	for _, profile := range []store.Profile{owner, collaborator} {
		if err := s.store.InsertProfile(ctx, profile); err != nil && !store.IsUniqueViolation(err) {
			return err
		}
	}

	now := s.now().UTC()
	if err := s.store.InsertDocument(ctx, store.Document{
		ID:        demoDoc,
		OwnerID:   owner.ID,
		Title:     "CRISPR screen notebook",
		CreatedAt: now,
	}); err != nil {
		return err
	}

	// Accepted invitation without a grant row; the first owner read
	// repairs it into a viewer grant.
	acceptedAt := now
	inv := store.Invitation{
		ID:              util.NewID("inv"),
		DocumentID:      demoDoc,
		Email:           collaborator.Email,
		InvitedBy:       owner.ID,
		PermissionLevel: "viewer",
		TokenHash:       auth.HashToken(util.NewInviteToken()),
		Status:          store.InviteStatusAccepted,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.inviteTTL()),
		AcceptedBy:      &collaborator.ID,
		AcceptedAt:      &acceptedAt,
	}
	if err := s.store.CreateInvitation(ctx, owner.ID, inv); err != nil {
		return err
	}

	s.logger.Info("bootstrap seeded demo document", zap.String("document_id", demoDoc))
	return nil
}

// SessionFromToken validates a bearer token and returns the caller
// identity embedded in its claims.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Email:     normalizeEmail(claims.Email),
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache reports profile-cache reachability for readiness checks.
// A deployment without Redis is still ready.
func (s *Service) PingCache(ctx context.Context) (configured bool, err error) {
	if s.cache == nil {
		return false, nil
	}
	return true, s.cache.Ping(ctx)
}

func (s *Service) inviteTTL() time.Duration {
	if s.cfg.InviteTTL > 0 {
		return s.cfg.InviteTTL
	}
	return 7 * 24 * time.Hour
}

// ownedDocument loads the document and enforces the owner-only rule
// shared by every mutating operation.
func (s *Service) ownedDocument(ctx context.Context, documentID, callerID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, errNotFound("Document not found")
		}
		return store.Document{}, err
	}
	if doc.OwnerID != callerID {
		return store.Document{}, errForbidden("Only the document owner can do this")
	}
	return doc, nil
}

func normalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
