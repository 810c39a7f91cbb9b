package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"notetree/api/internal/auth"
	"notetree/api/internal/authpw"
	"notetree/api/internal/authz"
	"notetree/api/internal/config"
	"notetree/api/internal/export"
	"notetree/api/internal/fault"
	"notetree/api/internal/gitrepo"
	"notetree/api/internal/livesync"
	"notetree/api/internal/mutator"
	"notetree/api/internal/notetree"
	"notetree/api/internal/search"
	"notetree/api/internal/session"
	"notetree/api/internal/store"
	"notetree/api/internal/util"
)

// AuthSession is what sign up, login and refresh hand back to the caller.
type AuthSession struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
	Principal    authz.Principal
}

// Store is the persistence the service needs. store.PostgresStore and
// store.MemoryStore both satisfy it.
type Store interface {
	store.Transactor
	authpw.UserStore
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	ListUsers(context.Context, string) ([]store.User, error)
	ListNotes(context.Context, string) ([]store.Note, error)
}

type historyService interface {
	History(organizationID, noteID string, limit int) ([]gitrepo.Revision, error)
	Diff(organizationID, noteID, hash string) ([]gitrepo.FieldChange, error)
	Hook() mutator.Hook
}

type mailer interface {
	IsConfigured() bool
	SendMemberAdded(to, organizationName, addedBy string) error
}

type Service struct {
	cfg       config.Config
	store     Store
	sessions  session.Store
	passwords *authpw.Service
	processor *mutator.Processor
	hub       *livesync.Hub
	search    *search.Service
	history   historyService
	exporter  *export.Service
	mailer    mailer
	logger    zerolog.Logger
	now       func() time.Time
}

// New wires the core of the API: authentication, the push processor and the
// per-tenant snapshot hub. sessions may be nil for in-process refresh
// sessions. Search, history, export and email are attached with the With
// methods.
func New(cfg config.Config, dataStore Store, sessions session.Store, hub *livesync.Hub, logger zerolog.Logger) *Service {
	if sessions == nil {
		sessions = session.NewMemoryStore()
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: authpw.NewService(dataStore),
		processor: mutator.NewProcessor(dataStore, logger, hub.Hook()),
		hub:       hub,
		search:    search.NewService(nil, search.NewScan(dataStore), logger),
		exporter:  export.NewService(dataStore, nil, logger),
		logger:    logger,
		now:       time.Now,
	}
}

// WithSearch replaces the default in-memory search and keeps its index fed
// with committed changes.
func (s *Service) WithSearch(svc *search.Service) *Service {
	s.search = svc
	s.processor.AddHook(svc.Hook())
	return s
}

// WithHistory records every committed change in git.
func (s *Service) WithHistory(history historyService) *Service {
	s.history = history
	s.processor.AddHook(history.Hook())
	return s
}

func (s *Service) WithExporter(exporter *export.Service) *Service {
	s.exporter = exporter
	return s
}

func (s *Service) WithMailer(m mailer) *Service {
	s.mailer = m
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (AuthSession, error) {
	resp, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return AuthSession{}, err
	}
	s.logger.Info().Str("organization_id", resp.Organization.ID).Str("user_id", resp.User.ID).Msg("organization created")
	return s.issueSession(ctx, principalOf(resp.User))
}

func (s *Service) Login(ctx context.Context, req authpw.SignInRequest) (AuthSession, error) {
	user, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		return AuthSession{}, err
	}
	return s.issueSession(ctx, principalOf(user))
}

// Refresh rotates a refresh token. The user must still be active.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthSession, error) {
	if refreshToken == "" {
		return AuthSession{}, session.ErrSessionNotFound
	}
	tokenHash := auth.HashToken(refreshToken)
	principal, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return AuthSession{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return AuthSession{}, err
	}
	user, err := s.activeUser(ctx, principal)
	if err != nil {
		return AuthSession{}, err
	}
	return s.issueSession(ctx, principalOf(user))
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, principal authz.Principal) (AuthSession, error) {
	now := s.now()
	claims := auth.NewClaims(principal, util.NewID("jti"), now, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return AuthSession{}, err
	}

	refresh := util.NewSecret()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), principal, now.Add(s.cfg.RefreshTTL)); err != nil {
		return AuthSession{}, err
	}
	return AuthSession{
		Token:        token,
		RefreshToken: refresh,
		ExpiresAt:    claims.ExpiresAt.Time,
		Principal:    principal,
	}, nil
}

// PrincipalFromToken verifies an access token and that its user is still
// active in the same organization.
func (s *Service) PrincipalFromToken(ctx context.Context, token string) (*authz.Principal, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return nil, err
	}
	principal := claims.Principal()
	if _, err := s.activeUser(ctx, principal); err != nil {
		return nil, err
	}
	return &principal, nil
}

func (s *Service) activeUser(ctx context.Context, principal authz.Principal) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, principal.SubjectID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, auth.ErrInvalidToken
	}
	if err != nil {
		return store.User{}, err
	}
	if !user.IsActive || user.OrganizationID != principal.TenantID {
		return store.User{}, auth.ErrInvalidToken
	}
	return user, nil
}

func (s *Service) ListUsers(ctx context.Context, principal *authz.Principal) ([]store.User, error) {
	if err := authz.RequireLoggedIn(principal); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx, principal.TenantID)
}

// AddUser creates a member of the caller's organization and, when email is
// configured, tells them about it in the background.
func (s *Service) AddUser(ctx context.Context, principal *authz.Principal, req authpw.AddUserRequest) (store.User, error) {
	user, err := s.passwords.AddUser(ctx, principal, req)
	if err != nil {
		return store.User{}, err
	}
	s.logger.Info().Str("organization_id", user.OrganizationID).Str("user_id", user.ID).Str("added_by", principal.SubjectID).Msg("user added")
	s.hub.Notify(ctx, user.OrganizationID)

	if s.mailer != nil && s.mailer.IsConfigured() {
		org, err := s.store.GetOrganization(ctx, user.OrganizationID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("load organization for member notice")
			return user, nil
		}
		addedBy := principal.Email
		if addedBy == "" {
			addedBy = "A teammate"
		}
		go func() {
			if err := s.mailer.SendMemberAdded(user.Email, org.Name, addedBy); err != nil {
				s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("send member added email")
			}
		}()
	}
	return user, nil
}

func (s *Service) Push(ctx context.Context, principal *authz.Principal, req mutator.PushRequest) (mutator.PushResponse, error) {
	if err := authz.RequireLoggedIn(principal); err != nil {
		return mutator.PushResponse{}, err
	}
	if len(req.Mutations) > maxPushBatch {
		return mutator.PushResponse{}, fmt.Errorf("%w: at most %d mutations per push", fault.ErrValidation, maxPushBatch)
	}
	return s.processor.Process(ctx, principal, req), nil
}

const maxPushBatch = 500

// Notes returns the caller's flat note set.
func (s *Service) Notes(ctx context.Context, principal *authz.Principal) (livesync.Snapshot, error) {
	if err := authz.RequireLoggedIn(principal); err != nil {
		return livesync.Snapshot{}, err
	}
	return s.hub.Snapshot(ctx, principal.TenantID)
}

// Tree returns the caller's notes as an ordered forest.
func (s *Service) Tree(ctx context.Context, principal *authz.Principal) ([]*notetree.Node, error) {
	snap, err := s.Notes(ctx, principal)
	if err != nil {
		return nil, err
	}
	tree := notetree.Build(snap.Notes)
	if len(tree.Dangling) > 0 {
		s.logger.Warn().Strs("note_ids", tree.Dangling).Msg("notes reference a missing parent, showing them as roots")
	}
	if tree.Roots == nil {
		return []*notetree.Node{}, nil
	}
	return tree.Roots, nil
}

// Feed streams snapshots of the caller's organization over a websocket.
func (s *Service) Feed() http.Handler {
	return livesync.NewFeed(s.hub, s.cfg.CORSOrigin)
}

func (s *Service) Search(ctx context.Context, principal *authz.Principal, text string, limit, offset int) (search.Response, error) {
	if err := authz.RequireLoggedIn(principal); err != nil {
		return search.Response{}, err
	}
	return s.search.Search(ctx, search.Query{
		OrganizationID: principal.TenantID,
		Text:           text,
		Limit:          limit,
		Offset:         offset,
	}), nil
}

// History lists revisions of a note the caller can see.
func (s *Service) History(ctx context.Context, principal *authz.Principal, noteID string, limit int) ([]gitrepo.Revision, error) {
	if _, err := s.visibleNote(ctx, principal, noteID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []gitrepo.Revision{}, nil
	}
	return s.history.History(principal.TenantID, noteID, limit)
}

func (s *Service) Diff(ctx context.Context, principal *authz.Principal, noteID, hash string) ([]gitrepo.FieldChange, error) {
	if _, err := s.visibleNote(ctx, principal, noteID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, fault.ErrNotFoundOrForbidden
	}
	changes, err := s.history.Diff(principal.TenantID, noteID, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.ErrNotFoundOrForbidden
	}
	return changes, err
}

func (s *Service) Export(ctx context.Context, principal *authz.Principal, req export.Request) (*export.Result, error) {
	return s.exporter.Export(ctx, principal, req)
}

// visibleNote reads noteID inside the caller's tenant transaction.
func (s *Service) visibleNote(ctx context.Context, principal *authz.Principal, noteID string) (store.Note, error) {
	if err := authz.RequireLoggedIn(principal); err != nil {
		return store.Note{}, err
	}
	var note store.Note
	err := s.store.WithinTx(ctx, principal.TenantID, func(tx store.Tx) error {
		found, err := tx.GetNote(ctx, noteID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !authz.CanAccessNote(principal, found)) {
			return fault.ErrNotFoundOrForbidden
		}
		note = found
		return err
	})
	return note, err
}

func principalOf(user store.User) authz.Principal {
	return authz.Principal{SubjectID: user.ID, TenantID: user.OrganizationID, Email: user.Email}
}
