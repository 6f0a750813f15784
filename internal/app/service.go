package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/auth"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/authpw"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/changeset"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/config"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/export"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/rbac"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/search"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/store"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         int
	JTI          string
	ExpiresAt    time.Time
}

// StepInput is the step shape accepted by the direct guide/step endpoints.
type StepInput struct {
	ID           string           `json:"id"`
	Name         *string          `json:"name"`
	Description  *string          `json:"description"`
	WelcomeAudio *string          `json:"welcome_audio"`
	Annotations  *string          `json:"annotations"`
	Contents     *[]store.Content `json:"contents"`
	Placements   *string          `json:"placements"`
}

// GuideInput is the guide shape accepted by add-guide and edit-guide.
type GuideInput struct {
	Name         *string     `json:"name"`
	Description  *string     `json:"description"`
	Icon         *string     `json:"icon"`
	WelcomeAudio *string     `json:"welcome_audio"`
	Steps        []StepInput `json:"steps"`
}

// PlacementInput carries the AR client's placement update for one step.
type PlacementInput struct {
	GuideID    int64           `json:"guide_id"`
	StepID     string          `json:"step_id"`
	Placements string          `json:"placements"`
	Contents   []store.Content `json:"contents"`
}

type dataStore interface {
	NextCounter(context.Context, string) (int64, error)
	ListGuides(context.Context) ([]store.Guide, error)
	GetGuide(context.Context, int64) (store.Guide, error)
	InsertGuide(context.Context, store.Guide) error
	UpdateGuide(context.Context, store.Guide) error
	DeleteGuide(context.Context, int64) (bool, error)
	InsertEditRequest(context.Context, store.EditRequest) error
	GetEditRequest(context.Context, string) (store.EditRequest, error)
	ListEditRequestsByStatus(context.Context, string) ([]store.EditRequest, error)
	TransitionEditRequest(context.Context, string, string) (bool, error)
	GetUserByID(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	UpdateUserRole(context.Context, string, int) (store.User, error)
	DeleteUserByUsername(context.Context, string) (bool, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertAudioClip(context.Context, store.AudioClip) error
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type archiveService interface {
	EnsureGuideRepo(int64, store.Guide, string) error
	CommitSnapshot(int64, store.Guide, string, string) (store.CommitInfo, error)
	History(int64, int) ([]store.CommitInfo, error)
	RemoveGuideRepo(int64) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexGuide(record search.GuideRecord)
	DeleteGuide(id string)
}

type exporterService interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type uploader interface {
	Upload(ctx context.Context, filename, contentType string, reader io.Reader, size int64) (string, error)
}

type mailer interface {
	IsConfigured() bool
	SendOTPEmail(to, userName, code string, minutes int) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	archive   archiveService
	search    searchIndex
	uploads   uploader
	mail      mailer
	exporter  exporterService
	passwords *authpw.Service
}

// Deps carries the collaborators wired up in main. Optional ones (search,
// uploads, mail, exporter) may be nil; the matching endpoints degrade.
type Deps struct {
	Store    dataStore
	Sessions sessionStore
	Archive  archiveService
	Search   searchIndex
	Uploads  uploader
	Mail     mailer
	Exporter exporterService
	Password *authpw.Service
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		archive:   deps.Archive,
		search:    deps.Search,
		uploads:   deps.Uploads,
		mail:      deps.Mail,
		exporter:  deps.Exporter,
		passwords: deps.Password,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// ---- Sessions ----

func (s *Service) SignUp(ctx context.Context, username, email, password string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Username: username,
		Email:    email,
		Password: password,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrDuplicateUser) {
			return Session{}, domainError(http.StatusConflict, "CONFLICT", "Username or email already registered", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, username, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid username or password", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		Role:         rbac.Normalize(user.Role),
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

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      rbac.Normalize(claims.Role),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ForgotPassword generates a one-time code and mails it. The code is also
// returned to the HTTP layer for the dev bypass when SMTP is not configured.
func (s *Service) ForgotPassword(ctx context.Context, email string) (string, error) {
	user, code, err := s.passwords.RequestOTP(ctx, email)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", nil
	}
	if s.SMTPConfigured() {
		minutes := int(s.cfg.OTPTTL.Minutes())
		if err := s.mail.SendOTPEmail(user.Email, user.Username, code, minutes); err != nil {
			log.Printf("app: send otp mail to %s: %v", user.Email, err)
		}
	}
	return code, nil
}

func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if err := s.passwords.ResetPassword(ctx, email, code, newPassword); err != nil {
		if errors.Is(err, authpw.ErrInvalidOTP) {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid or expired code", nil)
		}
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return nil
}

// ---- Guides ----

func (s *Service) ListGuides(ctx context.Context) ([]map[string]any, error) {
	guides, err := s.store.ListGuides(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(guides))
	for _, guide := range guides {
		items = append(items, map[string]any{
			"guide_id":      guide.GuideID,
			"name":          guide.Name,
			"description":   guide.Description,
			"icon":          guide.Icon,
			"welcome_audio": guide.WelcomeAudio,
			"updated_at":    guide.UpdatedAt,
		})
	}
	return items, nil
}

func (s *Service) GetGuideInfo(ctx context.Context, guideID int64) (map[string]any, error) {
	guide, err := s.store.GetGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}
	return guidePayload(guide), nil
}

func (s *Service) CreateGuide(ctx context.Context, session Session, input GuideInput) (map[string]any, error) {
	if input.Name == nil || strings.TrimSpace(*input.Name) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	guideID, err := s.store.NextCounter(ctx, "guides")
	if err != nil {
		return nil, fmt.Errorf("allocate guide number: %w", err)
	}

	now := time.Now()
	guide := store.Guide{
		ID:        util.NewID("gd"),
		GuideID:   guideID,
		Name:      strings.TrimSpace(*input.Name),
		Steps:     []store.Step{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input.Description != nil {
		guide.Description = *input.Description
	}
	if input.Icon != nil {
		guide.Icon = *input.Icon
	}
	if input.WelcomeAudio != nil {
		guide.WelcomeAudio = *input.WelcomeAudio
	}
	for _, stepInput := range input.Steps {
		guide.Steps = append(guide.Steps, newStep(stepInput, now))
	}

	if err := s.store.InsertGuide(ctx, guide); err != nil {
		return nil, fmt.Errorf("insert guide: %w", err)
	}
	if err := s.archive.EnsureGuideRepo(guide.GuideID, guide, session.UserName); err != nil {
		log.Printf("app: init archive for guide %d: %v", guide.GuideID, err)
	}
	s.indexGuide(guide)
	return guidePayload(guide), nil
}

// EditGuide sets top-level guide fields directly, bypassing review. Step
// mutations go through the step endpoints or the edit-request workflow.
func (s *Service) EditGuide(ctx context.Context, session Session, guideID int64, input GuideInput) (map[string]any, error) {
	guide, err := s.store.GetGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		guide.Name = *input.Name
	}
	if input.Description != nil {
		guide.Description = *input.Description
	}
	if input.Icon != nil {
		guide.Icon = *input.Icon
	}
	if input.WelcomeAudio != nil {
		guide.WelcomeAudio = *input.WelcomeAudio
	}
	guide.UpdatedAt = time.Now()

	if err := s.store.UpdateGuide(ctx, guide); err != nil {
		return nil, err
	}
	s.commitRevision(guide, session.UserName, "Edit guide details")
	s.indexGuide(guide)
	return guidePayload(guide), nil
}

func (s *Service) DeleteGuide(ctx context.Context, guideID int64) error {
	guide, err := s.store.GetGuide(ctx, guideID)
	if err != nil {
		return err
	}
	deleted, err := s.store.DeleteGuide(ctx, guideID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Guide not found", nil)
	}
	if err := s.archive.RemoveGuideRepo(guideID); err != nil {
		log.Printf("app: remove archive for guide %d: %v", guideID, err)
	}
	if s.search != nil {
		s.search.DeleteGuide(guide.ID)
	}
	return nil
}

// ---- Steps ----

func (s *Service) AddStep(ctx context.Context, session Session, guideID int64, input StepInput) (map[string]any, error) {
	guide, err := s.store.GetGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	step := newStep(input, now)
	guide.Steps = append(guide.Steps, step)
	guide.UpdatedAt = now

	if err := s.store.UpdateGuide(ctx, guide); err != nil {
		return nil, err
	}
	s.commitRevision(guide, session.UserName, fmt.Sprintf("Add step %s", step.ID))
	s.indexGuide(guide)
	return guidePayload(guide), nil
}

func (s *Service) EditStep(ctx context.Context, session Session, guideID int64, input StepInput) (map[string]any, error) {
	if input.ID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "step id is required", nil)
	}
	guide, err := s.store.GetGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}
	idx := findStep(guide.Steps, input.ID)
	if idx < 0 {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Step not found", nil)
	}

	now := time.Now()
	step := guide.Steps[idx]
	if input.Name != nil {
		step.Name = *input.Name
	}
	if input.Description != nil {
		step.Description = *input.Description
	}
	if input.WelcomeAudio != nil {
		step.WelcomeAudio = *input.WelcomeAudio
	}
	if input.Annotations != nil {
		step.Annotations = *input.Annotations
	}
	if input.Placements != nil {
		step.Placements = *input.Placements
	}
	if input.Contents != nil {
		step.Contents = withContentIDs(*input.Contents)
	}
	step.UpdatedAt = now
	guide.Steps[idx] = step
	guide.UpdatedAt = now

	if err := s.store.UpdateGuide(ctx, guide); err != nil {
		return nil, err
	}
	s.commitRevision(guide, session.UserName, fmt.Sprintf("Edit step %s", step.ID))
	s.indexGuide(guide)
	return guidePayload(guide), nil
}

func (s *Service) DeleteStep(ctx context.Context, session Session, guideID int64, stepID string) (map[string]any, error) {
	guide, err := s.store.GetGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}
	idx := findStep(guide.Steps, stepID)
	if idx < 0 {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Step not found", nil)
	}
	guide.Steps = append(guide.Steps[:idx], guide.Steps[idx+1:]...)
	guide.UpdatedAt = time.Now()

	if err := s.store.UpdateGuide(ctx, guide); err != nil {
		return nil, err
	}
	s.commitRevision(guide, session.UserName, fmt.Sprintf("Delete step %s", stepID))
	s.indexGuide(guide)
	return guidePayload(guide), nil
}

// UpdatePlacement replaces a step's opaque placement blob and the per-content
// placement data. This is the AR client's write path and never goes through
// review.
func (s *Service) UpdatePlacement(ctx context.Context, input PlacementInput) (map[string]any, error) {
	if input.StepID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "step_id is required", nil)
	}
	guide, err := s.store.GetGuide(ctx, input.GuideID)
	if err != nil {
		return nil, err
	}
	idx := findStep(guide.Steps, input.StepID)
	if idx < 0 {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Step not found", nil)
	}

	step := guide.Steps[idx]
	step.Placements = input.Placements
	for _, incoming := range input.Contents {
		for i, existing := range step.Contents {
			if existing.ID == incoming.ID {
				step.Contents[i].Position = incoming.Position
				step.Contents[i].Rotations = incoming.Rotations
			}
		}
	}
	step.UpdatedAt = time.Now()
	guide.Steps[idx] = step
	guide.UpdatedAt = step.UpdatedAt

	if err := s.store.UpdateGuide(ctx, guide); err != nil {
		return nil, err
	}
	return guidePayload(guide), nil
}

// ---- Edit requests ----

func (s *Service) SubmitEditRequest(ctx context.Context, session Session, guideID int64, proposed changeset.GuidePayload) (map[string]any, error) {
	guide, err := s.store.GetGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}

	cs := changeset.Compute(guide, proposed, changeset.DefaultIgnored())
	if cs.Empty() {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Proposed guide contains no changes", nil)
	}
	changeset.AssignIdentities(&cs, util.NewID)

	raw, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("marshal change-set: %w", err)
	}

	edit := store.EditRequest{
		ID:            util.NewID("edt"),
		GuideID:       guideID,
		UserID:        session.UserID,
		UpdatedFields: raw,
		Status:        store.EditStatusPending,
		CreatedAt:     time.Now(),
	}
	if err := s.store.InsertEditRequest(ctx, edit); err != nil {
		return nil, fmt.Errorf("insert edit request: %w", err)
	}
	return editRequestPayload(edit), nil
}

func (s *Service) ListEditRequests(ctx context.Context, status string) ([]map[string]any, error) {
	if status == "" {
		status = store.EditStatusPending
	}
	switch status {
	case store.EditStatusPending, store.EditStatusApproved, store.EditStatusRejected:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown status filter", nil)
	}
	edits, err := s.store.ListEditRequestsByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(edits))
	for _, edit := range edits {
		items = append(items, editRequestPayload(edit))
	}
	return items, nil
}

func (s *Service) GetEditRequest(ctx context.Context, editID string) (map[string]any, error) {
	edit, err := s.store.GetEditRequest(ctx, editID)
	if err != nil {
		return nil, err
	}
	return editRequestPayload(edit), nil
}

// ApproveEditRequest applies the stored change-set to the live guide and
// marks the request approved. The guide write happens first: if it fails, the
// request stays pending and the approval can be retried.
func (s *Service) ApproveEditRequest(ctx context.Context, session Session, editID string) (map[string]any, error) {
	edit, err := s.store.GetEditRequest(ctx, editID)
	if err != nil {
		return nil, err
	}
	switch edit.Status {
	case store.EditStatusApproved:
		// Already approved, nothing to redo.
		return editRequestPayload(edit), nil
	case store.EditStatusRejected:
		return nil, domainError(http.StatusConflict, "CONFLICT", "Edit request already rejected", nil)
	}

	guide, err := s.store.GetGuide(ctx, edit.GuideID)
	if err != nil {
		return nil, err
	}

	var cs changeset.ChangeSet
	if err := json.Unmarshal(edit.UpdatedFields, &cs); err != nil {
		return nil, fmt.Errorf("decode change-set: %w", err)
	}

	applied, err := changeset.Apply(guide, cs, time.Now())
	if err != nil {
		return nil, fmt.Errorf("apply change-set: %w", err)
	}
	if err := s.store.UpdateGuide(ctx, applied); err != nil {
		return nil, err
	}

	won, err := s.store.TransitionEditRequest(ctx, editID, store.EditStatusApproved)
	if err != nil {
		return nil, err
	}
	if !won {
		// A concurrent reviewer got there first; report their outcome.
		current, err := s.store.GetEditRequest(ctx, editID)
		if err != nil {
			return nil, err
		}
		if current.Status == store.EditStatusRejected {
			return nil, domainError(http.StatusConflict, "CONFLICT", "Edit request already rejected", nil)
		}
		return editRequestPayload(current), nil
	}

	s.commitRevision(applied, session.UserName, fmt.Sprintf("Apply edit request %s", editID))
	s.indexGuide(applied)

	edit.Status = store.EditStatusApproved
	return editRequestPayload(edit), nil
}

func (s *Service) RejectEditRequest(ctx context.Context, editID string) (map[string]any, error) {
	edit, err := s.store.GetEditRequest(ctx, editID)
	if err != nil {
		return nil, err
	}
	switch edit.Status {
	case store.EditStatusRejected:
		// Double reject is a no-op.
		return editRequestPayload(edit), nil
	case store.EditStatusApproved:
		return nil, domainError(http.StatusConflict, "CONFLICT", "Edit request already approved", nil)
	}

	won, err := s.store.TransitionEditRequest(ctx, editID, store.EditStatusRejected)
	if err != nil {
		return nil, err
	}
	if !won {
		current, err := s.store.GetEditRequest(ctx, editID)
		if err != nil {
			return nil, err
		}
		if current.Status == store.EditStatusApproved {
			return nil, domainError(http.StatusConflict, "CONFLICT", "Edit request already approved", nil)
		}
		return editRequestPayload(current), nil
	}

	edit.Status = store.EditStatusRejected
	return editRequestPayload(edit), nil
}

// ---- History, search, export ----

func (s *Service) History(ctx context.Context, guideID int64, limit int) ([]map[string]any, error) {
	if _, err := s.store.GetGuide(ctx, guideID); err != nil {
		return nil, err
	}
	commits, err := s.archive.History(guideID, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	items := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		items = append(items, map[string]any{
			"hash":       commit.Hash,
			"message":    strings.TrimSpace(commit.Message),
			"author":     commit.Author,
			"created_at": commit.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Export(ctx context.Context, guideID int64, format, version string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SERVER_ERROR", "Export not configured", nil)
	}
	switch export.Format(format) {
	case export.FormatPDF, export.FormatDOCX, export.FormatHTML:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unsupported export format", nil)
	}
	result, err := s.exporter.Export(ctx, export.Request{
		GuideID: guideID,
		Version: version,
		Format:  export.Format(format),
	})
	if err != nil {
		if errors.Is(err, export.ErrContentUnavailable) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Guide not found", nil)
		}
		if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "SERVER_ERROR", "Export dependency unavailable", nil)
		}
		return nil, err
	}
	return result, nil
}

// ---- Users ----

func (s *Service) ListUsers(ctx context.Context) ([]map[string]any, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, userPayload(user))
	}
	return items, nil
}

func (s *Service) EditUserRole(ctx context.Context, username string, role int) (map[string]any, error) {
	if !rbac.ValidRole(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Role must be 0, 1, or 2", nil)
	}
	user, err := s.store.UpdateUserRole(ctx, username, role)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) DeleteUser(ctx context.Context, username string) error {
	deleted, err := s.store.DeleteUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
	}
	return nil
}

// ---- Uploads, audio ----

func (s *Service) UploadFile(ctx context.Context, filename, contentType string, reader io.Reader, size int64) (string, error) {
	if s.uploads == nil {
		return "", domainError(http.StatusServiceUnavailable, "SERVER_ERROR", "Upload storage not configured", nil)
	}
	url, err := s.uploads.Upload(ctx, filename, contentType, reader, size)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	return url, nil
}

// TextToSpeech records the requested text and hands back the audio link the
// clip will be served under.
func (s *Service) TextToSpeech(ctx context.Context, text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}
	clip := store.AudioClip{
		ID:        util.NewID("aud"),
		Text:      text,
		Link:      "/audio/" + util.NewID("clip") + ".mp3",
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertAudioClip(ctx, clip); err != nil {
		return nil, fmt.Errorf("insert audio clip: %w", err)
	}
	return map[string]any{"id": clip.ID, "link": clip.Link}, nil
}

// ---- helpers ----

func (s *Service) commitRevision(guide store.Guide, author, message string) {
	if s.archive == nil {
		return
	}
	if _, err := s.archive.CommitSnapshot(guide.GuideID, guide, author, message); err != nil {
		log.Printf("app: archive guide %d: %v", guide.GuideID, err)
	}
}

func (s *Service) indexGuide(guide store.Guide) {
	if s.search == nil {
		return
	}
	s.search.IndexGuide(search.RecordFromGuide(guide))
}

func newStep(input StepInput, now time.Time) store.Step {
	step := store.Step{
		ID:        input.ID,
		Contents:  []store.Content{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if step.ID == "" {
		step.ID = util.NewID("stp")
	}
	if input.Name != nil {
		step.Name = *input.Name
	}
	if input.Description != nil {
		step.Description = *input.Description
	}
	if input.WelcomeAudio != nil {
		step.WelcomeAudio = *input.WelcomeAudio
	}
	if input.Annotations != nil {
		step.Annotations = *input.Annotations
	}
	if input.Placements != nil {
		step.Placements = *input.Placements
	}
	if input.Contents != nil {
		step.Contents = withContentIDs(*input.Contents)
	}
	return step
}

func withContentIDs(contents []store.Content) []store.Content {
	out := make([]store.Content, len(contents))
	for i, item := range contents {
		if item.ID == "" {
			item.ID = util.NewID("cnt")
		}
		out[i] = item
	}
	return out
}

func findStep(steps []store.Step, id string) int {
	for i, step := range steps {
		if step.ID == id {
			return i
		}
	}
	return -1
}

func guidePayload(guide store.Guide) map[string]any {
	return map[string]any{
		"id":            guide.ID,
		"guide_id":      guide.GuideID,
		"name":          guide.Name,
		"description":   guide.Description,
		"icon":          guide.Icon,
		"welcome_audio": guide.WelcomeAudio,
		"steps":         guide.Steps,
		"created_at":    guide.CreatedAt,
		"updated_at":    guide.UpdatedAt,
	}
}

func editRequestPayload(edit store.EditRequest) map[string]any {
	return map[string]any{
		"id":             edit.ID,
		"guide_id":       edit.GuideID,
		"user_id":        edit.UserID,
		"updated_fields": json.RawMessage(edit.UpdatedFields),
		"status":         edit.Status,
		"created_at":     edit.CreatedAt,
	}
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":         user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"role":       user.Role,
		"role_label": rbac.Label(user.Role),
		"created_at": user.CreatedAt,
	}
}
