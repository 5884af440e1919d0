package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/campushelp/internal/lifecycle"
	"github.com/mmeshcher/campushelp/internal/middleware"
	"github.com/mmeshcher/campushelp/internal/model"
	"github.com/mmeshcher/campushelp/internal/repository"
	"github.com/mmeshcher/campushelp/internal/service"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	listings    []model.Listing
	listErr     error
	lastFilter  model.ListingFilter
	lastKind    model.Kind
	createInput model.ListingInput

	actionErr  error
	settlement *model.Settlement
}

func (s *stubService) RegisterUser(ctx context.Context, username, password, contact string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, username, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return &model.User{ID: id, Username: "alice", Points: model.InitialPoints}, nil
}

func (s *stubService) UpdateProfile(ctx context.Context, id int64, contact, avatar string) error {
	return s.actionErr
}

func (s *stubService) CreateListing(ctx context.Context, ownerID int64, in model.ListingInput) (int64, error) {
	s.createInput = in
	return 1, s.actionErr
}

func (s *stubService) ListOpen(ctx context.Context, kind model.Kind, f model.ListingFilter) ([]model.Listing, error) {
	s.lastKind = kind
	s.lastFilter = f
	return s.listings, s.listErr
}

func (s *stubService) ListMyPosts(ctx context.Context, userID int64) ([]model.Listing, error) {
	return s.listings, s.listErr
}

func (s *stubService) ListMyHelps(ctx context.Context, userID int64) ([]model.Listing, error) {
	return s.listings, s.listErr
}

func (s *stubService) Accept(ctx context.Context, kind model.Kind, id, callerID int64) (*model.Listing, error) {
	if s.actionErr != nil {
		return nil, s.actionErr
	}
	return &model.Listing{ID: id, Kind: kind, Status: model.ListingStatusInProgress, HelperID: &callerID}, nil
}

func (s *stubService) Finish(ctx context.Context, kind model.Kind, id, callerID int64) (*model.Settlement, error) {
	return s.settlement, s.actionErr
}

func (s *stubService) Review(ctx context.Context, kind model.Kind, id, callerID int64, grade model.ReviewGrade) (*model.Settlement, error) {
	return s.settlement, s.actionErr
}

func (s *stubService) Delete(ctx context.Context, kind model.Kind, id, callerID int64) error {
	return s.actionErr
}

func (s *stubService) GetPointHistory(ctx context.Context, userID int64) ([]model.PointRecord, error) {
	return nil, s.actionErr
}

func (s *stubService) SendMessage(ctx context.Context, senderID, recipientID int64, content string) (int64, error) {
	return 1, s.actionErr
}

func (s *stubService) GetConversation(ctx context.Context, userID, partnerID int64) ([]model.Message, error) {
	return nil, s.actionErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	auth := middleware.NewAuthMiddleware("test-secret")
	return NewHandler(svc, zap.NewNop(), auth)
}

type testEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func doRequest(t *testing.T, router http.Handler, method, path, token string, body any) (*http.Response, testEnvelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	var env testEnvelope
	if res.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
	}
	return res, env
}

func tokenFor(t *testing.T, h *Handler, userID int64) string {
	t.Helper()

	token, err := h.authMiddleware.IssueToken(userID)
	require.NoError(t, err)
	return token
}

func TestRegister_Success(t *testing.T) {
	h := newTestHandler(t, &stubService{registerUserID: 42})

	res, env := doRequest(t, h.SetupRouter(), http.MethodPost, "/api/user/register", "",
		credentialsRequest{Username: "alice", Password: "123", Contact: "VX: alice"})

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotEmpty(t, res.Cookies())

	var data authResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.EqualValues(t, 42, data.UserID)

	userID, err := h.authMiddleware.ParseToken(data.Token)
	require.NoError(t, err)
	assert.EqualValues(t, 42, userID)
}

func TestRegister_MalformedBody(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.Register(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	h := newTestHandler(t, &stubService{authErr: service.ErrInvalidCredentials})

	res, _ := doRequest(t, h.SetupRouter(), http.MethodPost, "/api/user/login", "",
		credentialsRequest{Username: "alice", Password: "wrong"})

	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestLogin_StoreFailure(t *testing.T) {
	h := newTestHandler(t, &stubService{authErr: context.DeadlineExceeded})

	res, env := doRequest(t, h.SetupRouter(), http.MethodPost, "/api/user/login", "",
		credentialsRequest{Username: "alice", Password: "123"})

	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), env.Msg)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		msg  string
	}{
		{"invalid input", fmt.Errorf("%w: unknown grade", lifecycle.ErrInvalidInput), http.StatusBadRequest, "unknown grade"},
		{"forbidden", fmt.Errorf("%w: cannot accept your own listing", lifecycle.ErrForbidden), http.StatusForbidden, "cannot accept your own listing"},
		{"not found", repository.ErrListingNotFound, http.StatusNotFound, "listing does not exist"},
		{"conflict", fmt.Errorf("%w: listing is not open", lifecycle.ErrConflict), http.StatusConflict, "listing is not open"},
		{"store", context.Canceled, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{actionErr: tt.err})

			res, env := doRequest(t, h.SetupRouter(), http.MethodPost, "/api/listings/skills/7/accept", tokenFor(t, h, 1), nil)

			assert.Equal(t, tt.want, res.StatusCode)
			assert.Equal(t, tt.want, env.Code)
			assert.Equal(t, tt.msg, env.Msg)
		})
	}
}

func TestListingRoutes_RequireAuth(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	for _, path := range []string{
		"/api/listings/skills/1/accept",
		"/api/listings/skills/1/finish",
		"/api/listings/lost/1/review",
	} {
		res, _ := doRequest(t, router, http.MethodPost, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, res.StatusCode, path)
	}
}

func TestListingRoutes_BadParams(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()
	token := tokenFor(t, h, 1)

	res, _ := doRequest(t, router, http.MethodPost, "/api/listings/bikes/1/accept", token, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doRequest(t, router, http.MethodPost, "/api/listings/skills/abc/accept", token, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = doRequest(t, router, http.MethodPost, "/api/listings/skills/1/review", token, reviewRequest{Action: "MEH"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestListOpen_Filters(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	res, env := doRequest(t, h.SetupRouter(), http.MethodGet, "/api/listings/lost-items?q=card&type=1&location=library", "", nil)

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `[]`, string(env.Data))

	assert.Equal(t, model.KindLost, svc.lastKind)
	assert.Equal(t, "card", svc.lastFilter.Keyword)
	assert.Equal(t, "library", svc.lastFilter.Location)
	require.NotNil(t, svc.lastFilter.Subtype)
	assert.Equal(t, model.LostItemFound, *svc.lastFilter.Subtype)

	res, _ = doRequest(t, h.SetupRouter(), http.MethodGet, "/api/listings/skills?type=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestListOpen_JSONResponse(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h := newTestHandler(t, &stubService{listings: []model.Listing{{
		ID:           3,
		Kind:         model.KindSkill,
		Title:        "Calculus tutoring",
		Cost:         "5 points",
		Subtype:      model.SkillOffering,
		OwnerID:      1,
		OwnerName:    "alice",
		Status:       model.ListingStatusOpen,
		PosterReview: model.ReviewNone,
		HelperReview: model.ReviewNone,
		Image:        model.DefaultImage,
		CreatedAt:    created,
	}}})

	res, env := doRequest(t, h.SetupRouter(), http.MethodGet, "/api/listings/skills", "", nil)

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

	var listings []listingResponse
	require.NoError(t, json.Unmarshal(env.Data, &listings))
	require.Len(t, listings, 1)
	assert.Equal(t, "skill", listings[0].Category)
	assert.Equal(t, "alice", listings[0].OwnerName)
	assert.Equal(t, "OPEN", listings[0].Status)
	assert.Equal(t, "2024-05-01T10:00:00Z", listings[0].CreatedAt)
	assert.Nil(t, listings[0].HelperID)
}

func TestCreateListing_DefaultSubtype(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"/api/listings/skills", model.SkillOffering},
		{"/api/listings/lost", model.LostItemLost},
	}

	for _, tt := range tests {
		svc := &stubService{}
		h := newTestHandler(t, svc)

		res, _ := doRequest(t, h.SetupRouter(), http.MethodPost, tt.path, tokenFor(t, h, 1), listingRequest{Title: "x"})

		require.Equal(t, http.StatusCreated, res.StatusCode, tt.path)
		assert.Equal(t, tt.want, svc.createInput.Subtype, tt.path)
	}
}

func TestUnknownRoute(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res, env := doRequest(t, h.SetupRouter(), http.MethodGet, "/api/nothing", "", nil)

	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, http.StatusNotFound, env.Code)
}

// TestMarketplaceFlow проходит весь путь объявления через HTTP на хранилище в памяти.
func TestMarketplaceFlow(t *testing.T) {
	svc := service.NewService(repository.NewMemoryRepository(), nil, nil)
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	login := func(username string) (int64, string) {
		res, env := doRequest(t, router, http.MethodPost, "/api/user/register", "",
			credentialsRequest{Username: username, Password: "123", Contact: "VX: " + username})
		require.Equal(t, http.StatusOK, res.StatusCode)

		var data authResponse
		require.NoError(t, json.Unmarshal(env.Data, &data))
		return data.UserID, data.Token
	}

	aliceID, alice := login("alice")
	bobID, bob := login("bob")

	res, env := doRequest(t, router, http.MethodPost, "/api/listings/skills", alice,
		listingRequest{Title: "Calculus tutoring", Cost: "5 points", Location: "library"})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var created map[string]int64
	require.NoError(t, json.Unmarshal(env.Data, &created))
	base := fmt.Sprintf("/api/listings/skills/%d", created["id"])

	res, _ = doRequest(t, router, http.MethodPost, base+"/accept", alice, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doRequest(t, router, http.MethodPost, base+"/finish", bob, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doRequest(t, router, http.MethodPost, base+"/finish", alice, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, _ = doRequest(t, router, http.MethodPost, base+"/accept", bob, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = doRequest(t, router, http.MethodPost, base+"/accept", bob, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, env = doRequest(t, router, http.MethodPost, base+"/finish", bob, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var st settlementResponse
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, aliceID, st.RewardedUserID)
	assert.EqualValues(t, 5, st.Amount)

	res, _ = doRequest(t, router, http.MethodPost, base+"/finish", alice, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, env = doRequest(t, router, http.MethodPost, base+"/review", alice, reviewRequest{Action: "BAD"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, bobID, st.RewardedUserID)
	assert.EqualValues(t, -2, st.Amount)

	res, _ = doRequest(t, router, http.MethodPost, base+"/review", alice, reviewRequest{Action: "GOOD"})
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, env = doRequest(t, router, http.MethodGet, "/api/user/profile", alice, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var profile userResponse
	require.NoError(t, json.Unmarshal(env.Data, &profile))
	assert.EqualValues(t, 15, profile.Points)

	res, env = doRequest(t, router, http.MethodGet, fmt.Sprintf("/api/users/%d", bobID), "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &profile))
	assert.EqualValues(t, 8, profile.Points)

	res, env = doRequest(t, router, http.MethodGet, "/api/user/helps", bob, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var helps []listingResponse
	require.NoError(t, json.Unmarshal(env.Data, &helps))
	require.Len(t, helps, 1)
	assert.Equal(t, "COMPLETED", helps[0].Status)
	assert.Equal(t, "BAD", helps[0].PosterReview)
	assert.Equal(t, "NONE", helps[0].HelperReview)

	res, env = doRequest(t, router, http.MethodGet, "/api/listings/skills", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `[]`, string(env.Data))

	res, _ = doRequest(t, router, http.MethodDelete, base, bob, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doRequest(t, router, http.MethodDelete, base, alice, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = doRequest(t, router, http.MethodGet, "/api/user/posts", alice, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestMessagesFlow(t *testing.T) {
	svc := service.NewService(repository.NewMemoryRepository(), nil, nil)
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	aliceID, err := svc.RegisterUser(context.Background(), "alice", "123", "VX: alice")
	require.NoError(t, err)
	bobID, err := svc.RegisterUser(context.Background(), "bob", "123", "VX: bob")
	require.NoError(t, err)

	res, _ := doRequest(t, router, http.MethodPost, "/api/user/messages", tokenFor(t, h, aliceID),
		messageRequest{RecipientID: bobID, Content: "is the tutoring still on?"})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res, env := doRequest(t, router, http.MethodGet, fmt.Sprintf("/api/user/messages/%d", aliceID), tokenFor(t, h, bobID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var messages []messageResponse
	require.NoError(t, json.Unmarshal(env.Data, &messages))
	require.Len(t, messages, 1)
	assert.Equal(t, aliceID, messages[0].SenderID)
	assert.Equal(t, "is the tutoring still on?", messages[0].Content)
}
