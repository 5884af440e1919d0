// Package handler содержит HTTP-обработчики API сервиса взаимопомощи.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/campushelp/internal/middleware"
	"github.com/mmeshcher/campushelp/internal/model"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, username, password, contact string) (int64, error)
	AuthenticateUser(ctx context.Context, username, password string) (int64, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	UpdateProfile(ctx context.Context, id int64, contact, avatar string) error
	CreateListing(ctx context.Context, ownerID int64, in model.ListingInput) (int64, error)
	ListOpen(ctx context.Context, kind model.Kind, f model.ListingFilter) ([]model.Listing, error)
	ListMyPosts(ctx context.Context, userID int64) ([]model.Listing, error)
	ListMyHelps(ctx context.Context, userID int64) ([]model.Listing, error)
	Accept(ctx context.Context, kind model.Kind, id, callerID int64) (*model.Listing, error)
	Finish(ctx context.Context, kind model.Kind, id, callerID int64) (*model.Settlement, error)
	Review(ctx context.Context, kind model.Kind, id, callerID int64, grade model.ReviewGrade) (*model.Settlement, error)
	Delete(ctx context.Context, kind model.Kind, id, callerID int64) error
	GetPointHistory(ctx context.Context, userID int64) ([]model.PointRecord, error)
	SendMessage(ctx context.Context, senderID, recipientID int64, content string) (int64, error)
	GetConversation(ctx context.Context, userID, partnerID int64) ([]model.Message, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func callerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
	}
	return id, ok
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeMessage(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func kindParam(w http.ResponseWriter, r *http.Request) (model.Kind, bool) {
	kind, ok := model.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		writeMessage(w, http.StatusNotFound, "unknown listing kind")
	}
	return kind, ok
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Contact  string `json:"contact,omitempty"`
}

type authResponse struct {
	UserID int64  `json:"user_id"`
	Token  string `json:"token"`
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, userID int64) {
	token, err := h.authMiddleware.SetAuthCookie(w, userID)
	if err != nil {
		h.writeError(w, r, "issue token", err)
		return
	}
	writeData(w, http.StatusOK, authResponse{UserID: userID, Token: token})
}

// Register регистрирует пользователя и сразу выдаёт токен.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Username, req.Password, req.Contact)
	if err != nil {
		h.writeError(w, r, "register user", err)
		return
	}

	h.startSession(w, r, userID)
}

// Login выполняет аутентификацию пользователя и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeMessage(w, http.StatusBadRequest, "username and password are required")
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, "login user", err)
		return
	}

	h.startSession(w, r, userID)
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Contact  string `json:"contact"`
	Points   int64  `json:"points"`
	Avatar   string `json:"avatar,omitempty"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:       u.ID,
		Username: u.Username,
		Contact:  u.Contact,
		Points:   u.Points,
		Avatar:   u.Avatar,
	}
}

// GetProfile возвращает профиль текущего пользователя.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	u, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "get profile", err)
		return
	}

	writeData(w, http.StatusOK, toUserResponse(u))
}

// GetUser возвращает публичный профиль пользователя.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := int64Param(w, r, "userID")
	if !ok {
		return
	}

	u, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "get user", err)
		return
	}

	writeData(w, http.StatusOK, toUserResponse(u))
}

type profileRequest struct {
	Contact string `json:"contact"`
	Avatar  string `json:"avatar"`
}

// UpdateProfile изменяет контакт и аватар текущего пользователя.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := h.service.UpdateProfile(r.Context(), userID, req.Contact, req.Avatar); err != nil {
		h.writeError(w, r, "update profile", err)
		return
	}

	writeMessage(w, http.StatusOK, "profile updated")
}

type listingResponse struct {
	ID           int64  `json:"id"`
	Category     string `json:"category"`
	Title        string `json:"title"`
	Cost         string `json:"cost,omitempty"`
	Description  string `json:"desc,omitempty"`
	Location     string `json:"location,omitempty"`
	Type         int    `json:"type"`
	Status       string `json:"status"`
	OwnerID      int64  `json:"user_id"`
	OwnerName    string `json:"user"`
	HelperID     *int64 `json:"helper_id,omitempty"`
	PosterReview string `json:"poster_review"`
	HelperReview string `json:"helper_review"`
	Image        string `json:"image"`
	CreatedAt    string `json:"create_time"`
}

func toListingResponses(listings []model.Listing) []listingResponse {
	resp := make([]listingResponse, 0, len(listings))
	for _, l := range listings {
		resp = append(resp, listingResponse{
			ID:           l.ID,
			Category:     string(l.Kind),
			Title:        l.Title,
			Cost:         l.Cost,
			Description:  l.Description,
			Location:     l.Location,
			Type:         l.Subtype,
			Status:       string(l.Status),
			OwnerID:      l.OwnerID,
			OwnerName:    l.OwnerName,
			HelperID:     l.HelperID,
			PosterReview: string(l.PosterReview),
			HelperReview: string(l.HelperReview),
			Image:        l.Image,
			CreatedAt:    l.CreatedAt.Format(time.RFC3339),
		})
	}
	return resp
}

// ListOpen возвращает открытые объявления вида из пути с фильтрами q, type и location.
func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := model.ListingFilter{
		Keyword:  q.Get("q"),
		Location: q.Get("location"),
	}
	if f.Keyword == "" {
		f.Keyword = q.Get("keyword")
	}
	if v := q.Get("type"); v != "" {
		subtype, err := strconv.Atoi(v)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid type")
			return
		}
		f.Subtype = &subtype
	}

	listings, err := h.service.ListOpen(r.Context(), kind, f)
	if err != nil {
		h.writeError(w, r, "list open listings", err)
		return
	}

	writeData(w, http.StatusOK, toListingResponses(listings))
}

type listingRequest struct {
	Title       string `json:"title"`
	Cost        string `json:"cost"`
	Description string `json:"desc"`
	Location    string `json:"location"`
	Type        *int   `json:"type"`
	Image       string `json:"image"`
}

// CreateListing публикует объявление от имени текущего пользователя.
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	var req listingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	in := model.ListingInput{
		Kind:        kind,
		Title:       req.Title,
		Cost:        req.Cost,
		Description: req.Description,
		Location:    req.Location,
		Image:       req.Image,
	}
	switch {
	case req.Type != nil:
		in.Subtype = *req.Type
	case kind == model.KindSkill:
		in.Subtype = model.SkillOffering
	default:
		in.Subtype = model.LostItemLost
	}

	id, err := h.service.CreateListing(r.Context(), userID, in)
	if err != nil {
		h.writeError(w, r, "create listing", err)
		return
	}

	writeJSON(w, http.StatusCreated, "published", map[string]int64{"id": id})
}

// listingTarget разбирает вид, идентификатор объявления и вызывающего пользователя.
func listingTarget(w http.ResponseWriter, r *http.Request) (model.Kind, int64, int64, bool) {
	userID, ok := callerID(w, r)
	if !ok {
		return "", 0, 0, false
	}
	kind, ok := kindParam(w, r)
	if !ok {
		return "", 0, 0, false
	}
	id, ok := int64Param(w, r, "id")
	if !ok {
		return "", 0, 0, false
	}
	return kind, id, userID, true
}

// Accept принимает объявление текущим пользователем.
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	kind, id, userID, ok := listingTarget(w, r)
	if !ok {
		return
	}

	l, err := h.service.Accept(r.Context(), kind, id, userID)
	if err != nil {
		h.writeError(w, r, "accept listing", err)
		return
	}

	writeJSON(w, http.StatusOK, "accepted", toListingResponses([]model.Listing{*l})[0])
}

type settlementResponse struct {
	ListingID      int64  `json:"id"`
	Category       string `json:"category"`
	RewardedUserID int64  `json:"rewarded_user_id"`
	Amount         int64  `json:"amount"`
}

func toSettlementResponse(st *model.Settlement) settlementResponse {
	return settlementResponse{
		ListingID:      st.ListingID,
		Category:       string(st.Kind),
		RewardedUserID: st.RewardedUserID,
		Amount:         st.Amount,
	}
}

// Finish завершает объявление и возвращает результат начисления.
func (h *Handler) Finish(w http.ResponseWriter, r *http.Request) {
	kind, id, userID, ok := listingTarget(w, r)
	if !ok {
		return
	}

	st, err := h.service.Finish(r.Context(), kind, id, userID)
	if err != nil {
		h.writeError(w, r, "finish listing", err)
		return
	}

	writeJSON(w, http.StatusOK, "completed", toSettlementResponse(st))
}

type reviewRequest struct {
	Action string `json:"action"`
}

// Review выставляет оценку другой стороне завершённого объявления.
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	kind, id, userID, ok := listingTarget(w, r)
	if !ok {
		return
	}

	var req reviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	grade, ok := model.ParseReviewGrade(req.Action)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "action must be GOOD or BAD")
		return
	}

	st, err := h.service.Review(r.Context(), kind, id, userID, grade)
	if err != nil {
		h.writeError(w, r, "review listing", err)
		return
	}

	writeJSON(w, http.StatusOK, "reviewed", toSettlementResponse(st))
}

// Delete удаляет объявление текущего пользователя.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	kind, id, userID, ok := listingTarget(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), kind, id, userID); err != nil {
		h.writeError(w, r, "delete listing", err)
		return
	}

	writeMessage(w, http.StatusOK, "deleted")
}

// GetMyPosts возвращает объявления текущего пользователя.
func (h *Handler) GetMyPosts(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	listings, err := h.service.ListMyPosts(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "list my posts", err)
		return
	}

	writeData(w, http.StatusOK, toListingResponses(listings))
}

// GetMyHelps возвращает объявления, в которых участвует текущий пользователь.
func (h *Handler) GetMyHelps(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	listings, err := h.service.ListMyHelps(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "list my helps", err)
		return
	}

	writeData(w, http.StatusOK, toListingResponses(listings))
}

type pointRecordResponse struct {
	ListingID int64  `json:"listing_id"`
	Category  string `json:"category"`
	Reason    string `json:"reason"`
	Delta     int64  `json:"delta"`
	CreatedAt string `json:"created_at"`
}

// GetPointHistory возвращает журнал начислений текущего пользователя.
func (h *Handler) GetPointHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	records, err := h.service.GetPointHistory(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "get point history", err)
		return
	}

	resp := make([]pointRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, pointRecordResponse{
			ListingID: rec.ListingID,
			Category:  string(rec.Kind),
			Reason:    string(rec.Reason),
			Delta:     rec.Delta,
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		})
	}

	writeData(w, http.StatusOK, resp)
}

type messageRequest struct {
	RecipientID int64  `json:"recipient_id"`
	Content     string `json:"content"`
}

type messageResponse struct {
	ID          int64  `json:"id"`
	SenderID    int64  `json:"sender_id"`
	RecipientID int64  `json:"recipient_id"`
	Content     string `json:"content"`
	CreatedAt   string `json:"created_at"`
}

// SendMessage отправляет личное сообщение.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	id, err := h.service.SendMessage(r.Context(), userID, req.RecipientID, req.Content)
	if err != nil {
		h.writeError(w, r, "send message", err)
		return
	}

	writeJSON(w, http.StatusCreated, "sent", map[string]int64{"id": id})
}

// GetConversation возвращает переписку текущего пользователя с собеседником.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	partnerID, ok := int64Param(w, r, "partnerID")
	if !ok {
		return
	}

	messages, err := h.service.GetConversation(r.Context(), userID, partnerID)
	if err != nil {
		h.writeError(w, r, "get conversation", err)
		return
	}

	resp := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, messageResponse{
			ID:          m.ID,
			SenderID:    m.SenderID,
			RecipientID: m.RecipientID,
			Content:     m.Content,
			CreatedAt:   m.CreatedAt.Format(time.RFC3339),
		})
	}

	writeData(w, http.StatusOK, resp)
}
