package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"growthlog/api/internal/auth"
	"growthlog/api/internal/authpw"
	"growthlog/api/internal/config"
	"growthlog/api/internal/export"
	"growthlog/api/internal/objstore"
	"growthlog/api/internal/search"
	"growthlog/api/internal/store"
	"growthlog/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type EntryInput struct {
	Text         string  `json:"text"`
	Competencies []int64 `json:"competencyIDs"`
}

type dataStore interface {
	ListEntries(context.Context, string) ([]store.Entry, error)
	GetEntry(context.Context, string, int64) (store.Entry, error)
	CreateEntry(context.Context, string, string, []int64) (store.Entry, error)
	UpdateEntry(context.Context, string, int64, string, []int64) error
	DeleteEntry(context.Context, string, int64) error
	ListCompetencies(context.Context) ([]store.Competency, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// refreshStore holds refresh token state. It is the Postgres store by
// default, or a Redis-backed store when REDIS_URL is set.
type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexEntry(record search.EntryRecord)
	DeleteEntry(id int64)
	ReindexAllFromPG(ctx context.Context)
}

type emailService interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type exportStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	refresh  refreshStore
	search   searchService
	exporter *export.Service
	objects  exportStore
	authPw   *authpw.Service
	email    emailService
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchSvc *search.Service) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		refresh:  dataStore,
		exporter: export.NewService(),
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	return s
}

// SetRefreshStore swaps the refresh token backend, used when Redis is
// configured.
func (s *Service) SetRefreshStore(rs refreshStore) {
	s.refresh = rs
}

func (s *Service) SetAuthPassword(svc *authpw.Service) {
	s.authPw = svc
}

func (s *Service) SetEmail(svc emailService) {
	s.email = svc
}

// SetObjectStore enables archived export uploads.
func (s *Service) SetObjectStore(os *objstore.Store) {
	s.objects = os
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authPw
}

func (s *Service) EmailService() emailService {
	return s.email
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateSession issues a new access/refresh token pair for a verified user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The Redis backend stores only the user id, so rehydrate the account
	// before minting new claims.
	if user.Email == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) ListEntries(ctx context.Context, session Session) ([]map[string]any, error) {
	entries, err := s.store.ListEntries(ctx, session.Email)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entryPayload(entry))
	}
	return items, nil
}

func (s *Service) CreateEntry(ctx context.Context, session Session, input EntryInput) (map[string]any, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "text is required", nil)
	}

	entry, err := s.store.CreateEntry(ctx, session.Email, text, input.Competencies)
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexEntry(searchRecord(entry))
	}

	payload := entryPayload(entry)
	payload["createdAt"] = time.Now().UTC()
	return payload, nil
}

func (s *Service) UpdateEntry(ctx context.Context, session Session, id int64, input EntryInput) error {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "text is required", nil)
	}

	if err := s.store.UpdateEntry(ctx, session.Email, id, text, input.Competencies); err != nil {
		return err
	}

	if s.search != nil {
		if entry, err := s.store.GetEntry(ctx, session.Email, id); err == nil {
			s.search.IndexEntry(searchRecord(entry))
		}
	}
	return nil
}

func (s *Service) DeleteEntry(ctx context.Context, session Session, id int64) error {
	if err := s.store.DeleteEntry(ctx, session.Email, id); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteEntry(id)
	}
	return nil
}

func (s *Service) ListCompetencies(ctx context.Context) ([]map[string]any, error) {
	competencies, err := s.store.ListCompetencies(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(competencies))
	for _, competency := range competencies {
		items = append(items, map[string]any{
			"id":          competency.ID,
			"skill":       competency.Skill,
			"description": competency.Description,
		})
	}
	return items, nil
}

func (s *Service) SearchEntries(ctx context.Context, session Session, q string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(search.Query{
		Text:       q,
		OwnerEmail: session.Email,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// ExportJournal renders the caller's full journal as HTML or PDF.
func (s *Service) ExportJournal(ctx context.Context, session Session, format export.Format) (*export.Result, error) {
	entries, err := s.journalEntries(ctx, session)
	if err != nil {
		return nil, err
	}
	result, err := s.exporter.Export(export.Request{
		OwnerEmail: session.Email,
		OwnerName:  session.UserName,
		Format:     format,
	}, entries)
	if err != nil {
		if errors.Is(err, export.ErrUnsupportedFormat) {
			return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "unsupported export format", nil)
		}
		return nil, err
	}
	return result, nil
}

// ArchiveJournal renders an export and uploads it to object storage,
// returning the object key and a presigned download link.
func (s *Service) ArchiveJournal(ctx context.Context, session Session, format export.Format) (map[string]any, error) {
	if s.objects == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Object storage not configured", nil)
	}
	result, err := s.ExportJournal(ctx, session, format)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/%s-%s", session.UserID, time.Now().UTC().Format("20060102T150405Z"), result.Filename)
	if err := s.objects.Put(ctx, key, result.Data, result.MimeType); err != nil {
		return nil, err
	}
	url, err := s.objects.PresignedGetURL(ctx, key, 24*time.Hour)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"key":         key,
		"downloadUrl": url,
		"sizeBytes":   len(result.Data),
		"mimeType":    result.MimeType,
	}, nil
}

func (s *Service) journalEntries(ctx context.Context, session Session) ([]export.JournalEntry, error) {
	entries, err := s.store.ListEntries(ctx, session.Email)
	if err != nil {
		return nil, err
	}
	competencies, err := s.store.ListCompetencies(ctx)
	if err != nil {
		return nil, err
	}
	skillByID := make(map[int64]string, len(competencies))
	for _, competency := range competencies {
		skillByID[competency.ID] = competency.Skill
	}

	journal := make([]export.JournalEntry, 0, len(entries))
	for _, entry := range entries {
		names := make([]string, 0, len(entry.CompetencyIDs))
		for _, id := range entry.CompetencyIDs {
			if skill, ok := skillByID[id]; ok {
				names = append(names, skill)
			}
		}
		journal = append(journal, export.JournalEntry{
			ID:           entry.ID,
			Text:         entry.Text,
			CreatedAt:    entry.CreatedAt,
			Competencies: names,
		})
	}
	return journal, nil
}

func entryPayload(entry store.Entry) map[string]any {
	return map[string]any{
		"id":           entry.ID,
		"text":         entry.Text,
		"createdAt":    entry.CreatedAt,
		"competencies": entry.CompetencyIDs,
	}
}

func searchRecord(entry store.Entry) search.EntryRecord {
	return search.EntryRecord{
		ID:            fmt.Sprintf("%d", entry.ID),
		UserEmail:     entry.UserEmail,
		Text:          entry.Text,
		CompetencyIDs: entry.CompetencyIDs,
		CreatedAt:     entry.CreatedAt.Unix(),
	}
}
