package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/auth"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/changeset"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/config"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/store"
)

type fakeStore struct {
	nextCounterFn          func(context.Context, string) (int64, error)
	listGuidesFn           func(context.Context) ([]store.Guide, error)
	getGuideFn             func(context.Context, int64) (store.Guide, error)
	insertGuideFn          func(context.Context, store.Guide) error
	updateGuideFn          func(context.Context, store.Guide) error
	deleteGuideFn          func(context.Context, int64) (bool, error)
	insertEditRequestFn    func(context.Context, store.EditRequest) error
	getEditRequestFn       func(context.Context, string) (store.EditRequest, error)
	listEditRequestsFn     func(context.Context, string) ([]store.EditRequest, error)
	transitionFn           func(context.Context, string, string) (bool, error)
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
	updateUserRoleFn       func(context.Context, string, int) (store.User, error)
	deleteUserByUsernameFn func(context.Context, string) (bool, error)
	insertAudioClipFn      func(context.Context, store.AudioClip) error
}

func (f *fakeStore) NextCounter(ctx context.Context, name string) (int64, error) {
	if f.nextCounterFn != nil {
		return f.nextCounterFn(ctx, name)
	}
	return 1, nil
}
func (f *fakeStore) ListGuides(ctx context.Context) ([]store.Guide, error) {
	if f.listGuidesFn != nil {
		return f.listGuidesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) GetGuide(ctx context.Context, guideID int64) (store.Guide, error) {
	if f.getGuideFn != nil {
		return f.getGuideFn(ctx, guideID)
	}
	return store.Guide{}, sql.ErrNoRows
}
func (f *fakeStore) InsertGuide(ctx context.Context, guide store.Guide) error {
	if f.insertGuideFn != nil {
		return f.insertGuideFn(ctx, guide)
	}
	return nil
}
func (f *fakeStore) UpdateGuide(ctx context.Context, guide store.Guide) error {
	if f.updateGuideFn != nil {
		return f.updateGuideFn(ctx, guide)
	}
	return nil
}
func (f *fakeStore) DeleteGuide(ctx context.Context, guideID int64) (bool, error) {
	if f.deleteGuideFn != nil {
		return f.deleteGuideFn(ctx, guideID)
	}
	return false, nil
}
func (f *fakeStore) InsertEditRequest(ctx context.Context, edit store.EditRequest) error {
	if f.insertEditRequestFn != nil {
		return f.insertEditRequestFn(ctx, edit)
	}
	return nil
}
func (f *fakeStore) GetEditRequest(ctx context.Context, editID string) (store.EditRequest, error) {
	if f.getEditRequestFn != nil {
		return f.getEditRequestFn(ctx, editID)
	}
	return store.EditRequest{}, sql.ErrNoRows
}
func (f *fakeStore) ListEditRequestsByStatus(ctx context.Context, status string) ([]store.EditRequest, error) {
	if f.listEditRequestsFn != nil {
		return f.listEditRequestsFn(ctx, status)
	}
	return nil, nil
}
func (f *fakeStore) TransitionEditRequest(ctx context.Context, editID, toStatus string) (bool, error) {
	if f.transitionFn != nil {
		return f.transitionFn(ctx, editID, toStatus)
	}
	return true, nil
}
func (f *fakeStore) GetUserByID(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) { return nil, nil }
func (f *fakeStore) UpdateUserRole(ctx context.Context, username string, role int) (store.User, error) {
	if f.updateUserRoleFn != nil {
		return f.updateUserRoleFn(ctx, username, role)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteUserByUsername(ctx context.Context, username string) (bool, error) {
	if f.deleteUserByUsernameFn != nil {
		return f.deleteUserByUsernameFn(ctx, username)
	}
	return false, nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) InsertAudioClip(ctx context.Context, clip store.AudioClip) error {
	if f.insertAudioClipFn != nil {
		return f.insertAudioClipFn(ctx, clip)
	}
	return nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeSessions struct {
	saved map[string]store.User
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	if f.saved == nil {
		f.saved = map[string]store.User{}
	}
	f.saved[tokenHash] = user
	return nil
}
func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	user, ok := f.saved[tokenHash]
	if !ok {
		return store.User{}, errors.New("session not found")
	}
	return user, nil
}
func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.saved, tokenHash)
	return nil
}

type fakeArchive struct {
	ensured   []int64
	commits   []string
	removed   []int64
	historyFn func(int64, int) ([]store.CommitInfo, error)
}

func (f *fakeArchive) EnsureGuideRepo(guideID int64, _ store.Guide, _ string) error {
	f.ensured = append(f.ensured, guideID)
	return nil
}
func (f *fakeArchive) CommitSnapshot(guideID int64, _ store.Guide, _ string, message string) (store.CommitInfo, error) {
	f.commits = append(f.commits, message)
	return store.CommitInfo{Hash: "abc1234", Message: message}, nil
}
func (f *fakeArchive) History(guideID int64, limit int) ([]store.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(guideID, limit)
	}
	return nil, nil
}
func (f *fakeArchive) RemoveGuideRepo(guideID int64) error {
	f.removed = append(f.removed, guideID)
	return nil
}

func newTestService(fs *fakeStore, fa *fakeArchive) *Service {
	return &Service{
		cfg:      config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour},
		store:    fs,
		sessions: &fakeSessions{},
		archive:  fa,
	}
}

func testSession() Session {
	return Session{UserID: "usr_1", UserName: "alice", Role: 1}
}

func testGuide() store.Guide {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return store.Guide{
		ID:      "gd_1",
		GuideID: 7,
		Name:    "Pump maintenance",
		Steps: []store.Step{
			{
				ID:   "stp_1",
				Name: "Open the valve",
				Contents: []store.Content{
					{ID: "cnt_1", Type: "model", Link: "models/valve.glb", Position: store.Vec3{X: 1}},
				},
				Placements: "anchor:pump-01",
				CreatedAt:  created,
				UpdatedAt:  created,
			},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func nameChangeSet(t *testing.T, name string) []byte {
	t.Helper()
	raw, err := json.Marshal(changeset.ChangeSet{
		Fields: map[string]json.RawMessage{"name": json.RawMessage(`"` + name + `"`)},
	})
	if err != nil {
		t.Fatalf("marshal change-set: %v", err)
	}
	return raw
}

func assertDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError with code %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s", code, domainErr.Code)
	}
}

func TestSubmitEditRequestRejectsNoChanges(t *testing.T) {
	guide := testGuide()
	fs := &fakeStore{
		getGuideFn: func(context.Context, int64) (store.Guide, error) { return guide, nil },
		insertEditRequestFn: func(context.Context, store.EditRequest) error {
			t.Fatal("no edit request should be inserted")
			return nil
		},
	}
	service := newTestService(fs, &fakeArchive{})

	name := guide.Name
	proposed := changeset.GuidePayload{Name: &name}
	_, err := service.SubmitEditRequest(context.Background(), testSession(), 7, proposed)
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestSubmitEditRequestStoresPendingChangeSet(t *testing.T) {
	guide := testGuide()
	var inserted store.EditRequest
	fs := &fakeStore{
		getGuideFn: func(context.Context, int64) (store.Guide, error) { return guide, nil },
		insertEditRequestFn: func(_ context.Context, edit store.EditRequest) error {
			inserted = edit
			return nil
		},
	}
	service := newTestService(fs, &fakeArchive{})

	newName := "Pump overhaul"
	payload, err := service.SubmitEditRequest(context.Background(), testSession(), 7, changeset.GuidePayload{Name: &newName})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if inserted.Status != store.EditStatusPending {
		t.Fatalf("expected pending, got %s", inserted.Status)
	}
	if inserted.GuideID != 7 || inserted.UserID != "usr_1" {
		t.Fatalf("unexpected edit request: %+v", inserted)
	}

	var cs changeset.ChangeSet
	if err := json.Unmarshal(inserted.UpdatedFields, &cs); err != nil {
		t.Fatalf("decode stored change-set: %v", err)
	}
	if string(cs.Fields["name"]) != `"Pump overhaul"` {
		t.Fatalf("expected name change recorded, got %s", cs.Fields["name"])
	}
	if payload["status"] != store.EditStatusPending {
		t.Fatalf("expected pending in response, got %v", payload["status"])
	}
}

func TestApproveEditRequestAppliesAndTransitions(t *testing.T) {
	guide := testGuide()
	edit := store.EditRequest{
		ID:            "edt_1",
		GuideID:       7,
		UserID:        "usr_2",
		UpdatedFields: nameChangeSet(t, "Pump overhaul"),
		Status:        store.EditStatusPending,
	}

	var updated store.Guide
	var transitioned string
	fs := &fakeStore{
		getEditRequestFn: func(context.Context, string) (store.EditRequest, error) { return edit, nil },
		getGuideFn:       func(context.Context, int64) (store.Guide, error) { return guide, nil },
		updateGuideFn: func(_ context.Context, g store.Guide) error {
			updated = g
			return nil
		},
		transitionFn: func(_ context.Context, _, toStatus string) (bool, error) {
			transitioned = toStatus
			return true, nil
		},
	}
	fa := &fakeArchive{}
	service := newTestService(fs, fa)

	payload, err := service.ApproveEditRequest(context.Background(), testSession(), "edt_1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if updated.Name != "Pump overhaul" {
		t.Fatalf("expected applied name, got %q", updated.Name)
	}
	if transitioned != store.EditStatusApproved {
		t.Fatalf("expected transition to approved, got %q", transitioned)
	}
	if payload["status"] != store.EditStatusApproved {
		t.Fatalf("expected approved in response, got %v", payload["status"])
	}
	if len(fa.commits) != 1 {
		t.Fatalf("expected one archive commit, got %d", len(fa.commits))
	}
}

func TestApproveEditRequestGuideMissingLeavesPending(t *testing.T) {
	edit := store.EditRequest{
		ID:            "edt_1",
		GuideID:       7,
		UpdatedFields: nameChangeSet(t, "Pump overhaul"),
		Status:        store.EditStatusPending,
	}
	fs := &fakeStore{
		getEditRequestFn: func(context.Context, string) (store.EditRequest, error) { return edit, nil },
		getGuideFn: func(context.Context, int64) (store.Guide, error) {
			return store.Guide{}, sql.ErrNoRows
		},
		transitionFn: func(context.Context, string, string) (bool, error) {
			t.Fatal("edit request must stay pending when the guide is gone")
			return false, nil
		},
	}
	service := newTestService(fs, &fakeArchive{})

	_, err := service.ApproveEditRequest(context.Background(), testSession(), "edt_1")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestApproveEditRequestIdempotent(t *testing.T) {
	edit := store.EditRequest{
		ID:            "edt_1",
		GuideID:       7,
		UpdatedFields: nameChangeSet(t, "Pump overhaul"),
		Status:        store.EditStatusApproved,
	}
	fs := &fakeStore{
		getEditRequestFn: func(context.Context, string) (store.EditRequest, error) { return edit, nil },
		updateGuideFn: func(context.Context, store.Guide) error {
			t.Fatal("approving an approved request must not touch the guide")
			return nil
		},
	}
	service := newTestService(fs, &fakeArchive{})

	payload, err := service.ApproveEditRequest(context.Background(), testSession(), "edt_1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if payload["status"] != store.EditStatusApproved {
		t.Fatalf("expected approved, got %v", payload["status"])
	}
}

func TestApproveRejectedEditRequestConflicts(t *testing.T) {
	edit := store.EditRequest{ID: "edt_1", GuideID: 7, Status: store.EditStatusRejected}
	fs := &fakeStore{
		getEditRequestFn: func(context.Context, string) (store.EditRequest, error) { return edit, nil },
	}
	service := newTestService(fs, &fakeArchive{})

	_, err := service.ApproveEditRequest(context.Background(), testSession(), "edt_1")
	assertDomainCode(t, err, "CONFLICT")
}

func TestApproveEditRequestLosesRaceToReject(t *testing.T) {
	guide := testGuide()
	calls := 0
	fs := &fakeStore{
		getEditRequestFn: func(context.Context, string) (store.EditRequest, error) {
			calls++
			status := store.EditStatusPending
			if calls > 1 {
				status = store.EditStatusRejected
			}
			return store.EditRequest{
				ID:            "edt_1",
				GuideID:       7,
				UpdatedFields: nameChangeSet(t, "Pump overhaul"),
				Status:        status,
			}, nil
		},
		getGuideFn:   func(context.Context, int64) (store.Guide, error) { return guide, nil },
		transitionFn: func(context.Context, string, string) (bool, error) { return false, nil },
	}
	service := newTestService(fs, &fakeArchive{})

	_, err := service.ApproveEditRequest(context.Background(), testSession(), "edt_1")
	assertDomainCode(t, err, "CONFLICT")
}

func TestRejectEditRequestIdempotent(t *testing.T) {
	edit := store.EditRequest{ID: "edt_1", GuideID: 7, Status: store.EditStatusRejected}
	fs := &fakeStore{
		getEditRequestFn: func(context.Context, string) (store.EditRequest, error) { return edit, nil },
		transitionFn: func(context.Context, string, string) (bool, error) {
			t.Fatal("rejecting a rejected request must be a no-op")
			return false, nil
		},
	}
	service := newTestService(fs, &fakeArchive{})

	payload, err := service.RejectEditRequest(context.Background(), "edt_1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if payload["status"] != store.EditStatusRejected {
		t.Fatalf("expected rejected, got %v", payload["status"])
	}
}

func TestRejectApprovedEditRequestConflicts(t *testing.T) {
	edit := store.EditRequest{ID: "edt_1", GuideID: 7, Status: store.EditStatusApproved}
	fs := &fakeStore{
		getEditRequestFn: func(context.Context, string) (store.EditRequest, error) { return edit, nil },
	}
	service := newTestService(fs, &fakeArchive{})

	_, err := service.RejectEditRequest(context.Background(), "edt_1")
	assertDomainCode(t, err, "CONFLICT")
}

func TestRejectPendingEditRequest(t *testing.T) {
	edit := store.EditRequest{ID: "edt_1", GuideID: 7, Status: store.EditStatusPending}
	var transitioned string
	fs := &fakeStore{
		getEditRequestFn: func(context.Context, string) (store.EditRequest, error) { return edit, nil },
		transitionFn: func(_ context.Context, _, toStatus string) (bool, error) {
			transitioned = toStatus
			return true, nil
		},
		updateGuideFn: func(context.Context, store.Guide) error {
			t.Fatal("reject must not touch the guide")
			return nil
		},
	}
	service := newTestService(fs, &fakeArchive{})

	payload, err := service.RejectEditRequest(context.Background(), "edt_1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if transitioned != store.EditStatusRejected {
		t.Fatalf("expected transition to rejected, got %q", transitioned)
	}
	if payload["status"] != store.EditStatusRejected {
		t.Fatalf("expected rejected, got %v", payload["status"])
	}
}

func TestCreateGuideAllocatesNumberAndArchives(t *testing.T) {
	var inserted store.Guide
	fs := &fakeStore{
		nextCounterFn: func(_ context.Context, name string) (int64, error) {
			if name != "guides" {
				t.Fatalf("unexpected counter %q", name)
			}
			return 42, nil
		},
		insertGuideFn: func(_ context.Context, guide store.Guide) error {
			inserted = guide
			return nil
		},
	}
	fa := &fakeArchive{}
	service := newTestService(fs, fa)

	name := "Generator startup"
	payload, err := service.CreateGuide(context.Background(), testSession(), GuideInput{Name: &name})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inserted.GuideID != 42 {
		t.Fatalf("expected guide number 42, got %d", inserted.GuideID)
	}
	if inserted.ID == "" || inserted.Name != "Generator startup" {
		t.Fatalf("unexpected guide: %+v", inserted)
	}
	if len(fa.ensured) != 1 || fa.ensured[0] != 42 {
		t.Fatalf("expected archive init for guide 42, got %v", fa.ensured)
	}
	if payload["guide_id"] != int64(42) {
		t.Fatalf("expected guide_id in response, got %v", payload["guide_id"])
	}
}

func TestCreateGuideRequiresName(t *testing.T) {
	service := newTestService(&fakeStore{}, &fakeArchive{})
	_, err := service.CreateGuide(context.Background(), testSession(), GuideInput{})
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestDeleteGuideRemovesArchive(t *testing.T) {
	guide := testGuide()
	fs := &fakeStore{
		getGuideFn:    func(context.Context, int64) (store.Guide, error) { return guide, nil },
		deleteGuideFn: func(context.Context, int64) (bool, error) { return true, nil },
	}
	fa := &fakeArchive{}
	service := newTestService(fs, fa)

	if err := service.DeleteGuide(context.Background(), 7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(fa.removed) != 1 || fa.removed[0] != 7 {
		t.Fatalf("expected archive removal for guide 7, got %v", fa.removed)
	}
}

func TestEditUserRoleValidation(t *testing.T) {
	service := newTestService(&fakeStore{}, &fakeArchive{})
	_, err := service.EditUserRole(context.Background(), "alice", 9)
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestListEditRequestsRejectsUnknownStatus(t *testing.T) {
	service := newTestService(&fakeStore{}, &fakeArchive{})
	_, err := service.ListEditRequests(context.Background(), "bogus")
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestSessionFromTokenRejectsRevokedJTI(t *testing.T) {
	fs := &fakeStore{
		isAccessTokenRevokedFn: func(context.Context, string) (bool, error) { return true, nil },
	}
	service := newTestService(fs, &fakeArchive{})

	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  "usr_1",
		Name: "alice",
		Role: 1,
		JTI:  "jti_1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	_, err = service.SessionFromToken(context.Background(), token)
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	fs := &fakeStore{}
	sessions := &fakeSessions{}
	service := newTestService(fs, &fakeArchive{})
	service.sessions = sessions

	user := store.User{ID: "usr_1", Username: "alice", Role: 1}
	first, err := service.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := service.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token must rotate")
	}
	if _, err := service.Refresh(context.Background(), first.RefreshToken); err == nil {
		t.Fatal("old refresh token must be revoked")
	}
}
