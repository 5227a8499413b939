// Package handler содержит HTTP-обработчики API сервиса DropPoint.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/droppoint/internal/cardlink"
	"github.com/mmeshcher/droppoint/internal/catalog"
	"github.com/mmeshcher/droppoint/internal/directory"
	"github.com/mmeshcher/droppoint/internal/ledger"
	"github.com/mmeshcher/droppoint/internal/middleware"
	"github.com/mmeshcher/droppoint/internal/model"
	"github.com/mmeshcher/droppoint/internal/redemption"
	"github.com/mmeshcher/droppoint/internal/rfid"
	"github.com/mmeshcher/droppoint/internal/session"
	"github.com/mmeshcher/droppoint/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email, password, name string) (session.Identity, error)
	AuthenticateUser(ctx context.Context, email, password string) (session.Identity, error)
	Logout(uid string)
	CurrentUser(ctx context.Context, uid string) (session.Identity, error)
	IsAdmin(ctx context.Context, uid string) (bool, error)

	GetBalance(ctx context.Context, uid string) (ledger.Balance, error)
	GetRedemptions(ctx context.Context, uid string) ([]model.RedemptionRecord, error)
	GetItems(ctx context.Context) ([]model.StoreItem, error)
	Redeem(ctx context.Context, uid, itemID string) (*redemption.Receipt, error)

	StartCardLink(ctx context.Context, uid string) (cardlink.Status, error)
	CardLinkStatus(ctx context.Context, uid string) (cardlink.Status, error)
	CancelCardLink(ctx context.Context, uid string) (cardlink.Status, error)

	CreateItem(ctx context.Context, item model.StoreItem) (string, error)
	UpdateItem(ctx context.Context, id string, item model.StoreItem) error
	DeleteItem(ctx context.Context, id string) error
	SetStock(ctx context.Context, id string, stock model.Stock) error

	GetUsers(ctx context.Context, query string) ([]model.User, error)
	SetUserPoints(ctx context.Context, uid string, points int64) error
	SetUserCard(ctx context.Context, uid, card string) error
	DeleteUser(ctx context.Context, uid string) error

	GetAllRedemptions(ctx context.Context, f directory.RedemptionFilter) ([]model.RedemptionRecord, error)
	MarkCollected(ctx context.Context, uid, id string) error
	GetStats(ctx context.Context) (directory.Stats, error)
}

// Handler реализует HTTP-обработчики API сервиса DropPoint.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// statusFor сопоставляет ошибку бизнес-логики HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, redemption.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, redemption.ErrOutOfStock),
		errors.Is(err, rfid.ErrCardInUse),
		errors.Is(err, directory.ErrAlreadyCollected),
		errors.Is(err, session.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, redemption.ErrRedemptionFailed),
		errors.Is(err, redemption.ErrBalanceNotLoaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrInvalidItem),
		errors.Is(err, rfid.ErrInvalidCardID),
		errors.Is(err, directory.ErrInvalidPoints),
		errors.Is(err, session.ErrInvalidSignup),
		errors.Is(err, validation.ErrInvalidPoints),
		errors.Is(err, validation.ErrInvalidStock):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	http.Error(w, http.StatusText(code), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return uid, ok
}

// formValue возвращает поле формы как текст; число и строка равноправны.
func formValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.RegisterUser(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		h.fail(w, err, "register user error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, id.UID)
	writeJSON(w, http.StatusOK, id)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, err, "login user error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, id.UID)
	writeJSON(w, http.StatusOK, id)
}

// Logout закрывает сеанс и удаляет cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	h.service.Logout(uid)
	h.authMiddleware.ClearAuthCookie(w)
	w.WriteHeader(http.StatusOK)
}

// Me возвращает пользователя текущего сеанса.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	id, err := h.service.CurrentUser(r.Context(), uid)
	if err != nil {
		h.fail(w, err, "current user error", zap.String("uid", uid))
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), uid)
	if err != nil {
		h.fail(w, err, "get balance error", zap.String("uid", uid))
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

type redemptionResponse struct {
	ID               string `json:"id"`
	UserID           string `json:"uid,omitempty"`
	ItemID           string `json:"itemId"`
	ItemName         string `json:"itemName"`
	Points           int64  `json:"points"`
	VerificationCode string `json:"verificationCode"`
	Status           string `json:"status"`
	RedeemedAt       string `json:"redeemed_at"`
}

func toRedemptionResponses(records []model.RedemptionRecord, withOwner bool) []redemptionResponse {
	resp := make([]redemptionResponse, 0, len(records))
	for _, rec := range records {
		item := redemptionResponse{
			ID:               rec.ID,
			ItemID:           rec.ItemID,
			ItemName:         rec.ItemName,
			Points:           rec.Points,
			VerificationCode: rec.VerificationCode,
			Status:           string(rec.EffectiveStatus()),
			RedeemedAt:       time.UnixMilli(ledger.NormalizeTimestamp(rec.Timestamp)).Format(time.RFC3339),
		}
		if withOwner {
			item.UserID = rec.UserID
		}
		resp = append(resp, item)
	}
	return resp
}

// GetRedemptions возвращает историю обменов текущего пользователя.
func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	records, err := h.service.GetRedemptions(r.Context(), uid)
	if err != nil {
		h.fail(w, err, "get redemptions error", zap.String("uid", uid))
		return
	}

	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionResponses(records, false))
}

type itemResponse struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Points int64       `json:"points"`
	Stock  model.Stock `json:"stock"`
	Icon   string      `json:"icon,omitempty"`
}

// GetItems возвращает каталог товаров.
func (h *Handler) GetItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.GetItems(r.Context())
	if err != nil {
		h.fail(w, err, "get items error")
		return
	}

	resp := make([]itemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, itemResponse{
			ID:     it.ID,
			Name:   it.Name,
			Points: it.Points,
			Stock:  it.Stock,
			Icon:   it.Icon,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Redeem обменивает баллы текущего пользователя на товар.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	itemID := chi.URLParam(r, "id")

	receipt, err := h.service.Redeem(r.Context(), uid, itemID)
	if err != nil {
		h.fail(w, err, "redeem error", zap.String("uid", uid), zap.String("item", itemID))
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// StartCardLink запрашивает привязку RFID-карты.
func (h *Handler) StartCardLink(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	st, err := h.service.StartCardLink(r.Context(), uid)
	if err != nil {
		h.fail(w, err, "start card link error", zap.String("uid", uid))
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// CardLinkStatus возвращает состояние привязки карты.
func (h *Handler) CardLinkStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	st, err := h.service.CardLinkStatus(r.Context(), uid)
	if err != nil {
		h.fail(w, err, "card link status error", zap.String("uid", uid))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CancelCardLink отменяет привязку карты.
func (h *Handler) CancelCardLink(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	st, err := h.service.CancelCardLink(r.Context(), uid)
	if err != nil {
		h.fail(w, err, "cancel card link error", zap.String("uid", uid))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type itemRequest struct {
	Name   string          `json:"name"`
	Points json.RawMessage `json:"points"`
	Stock  json.RawMessage `json:"stock"`
	Icon   string          `json:"icon"`
}

func (req itemRequest) item() (model.StoreItem, error) {
	points, err := validation.ParsePoints(formValue(req.Points))
	if err != nil {
		return model.StoreItem{}, err
	}
	stock, err := validation.ParseStock(formValue(req.Stock))
	if err != nil {
		return model.StoreItem{}, err
	}
	return model.StoreItem{
		Name:   strings.TrimSpace(req.Name),
		Points: points,
		Stock:  stock,
		Icon:   strings.TrimSpace(req.Icon),
	}, nil
}

func decodeItem(r *http.Request) (model.StoreItem, error) {
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return model.StoreItem{}, err
	}
	return req.item()
}

// CreateItem добавляет товар в каталог.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	item, err := decodeItem(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateItem(r.Context(), item)
	if err != nil {
		h.fail(w, err, "create item error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// UpdateItem заменяет товар каталога.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := decodeItem(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateItem(r.Context(), id, item); err != nil {
		h.fail(w, err, "update item error", zap.String("item", id))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteItem удаляет товар каталога.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.DeleteItem(r.Context(), id); err != nil {
		h.fail(w, err, "delete item error", zap.String("item", id))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type stockRequest struct {
	Stock json.RawMessage `json:"stock"`
}

// SetStock задаёт остаток товара.
func (h *Handler) SetStock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req stockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	stock, err := validation.ParseStock(formValue(req.Stock))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetStock(r.Context(), id, stock); err != nil {
		h.fail(w, err, "set stock error", zap.String("item", id))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type userResponse struct {
	UID       string `json:"uid"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Points    int64  `json:"points"`
	RfidUID   string `json:"rfidUid,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// GetUsers ищет пользователей.
func (h *Handler) GetUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.GetUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, err, "get users error")
		return
	}

	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		item := userResponse{
			UID:     u.UID,
			Email:   u.Email,
			Name:    u.DisplayLabel(),
			Points:  u.Points,
			RfidUID: u.RfidUID,
		}
		if u.CreatedAt > 0 {
			item.CreatedAt = time.UnixMilli(ledger.NormalizeTimestamp(u.CreatedAt)).Format(time.RFC3339)
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

type pointsRequest struct {
	Points json.RawMessage `json:"points"`
}

// SetUserPoints задаёт счётчик баллов пользователя.
func (h *Handler) SetUserPoints(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	var req pointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	points, err := validation.ParsePoints(formValue(req.Points))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetUserPoints(r.Context(), uid, points); err != nil {
		h.fail(w, err, "set user points error", zap.String("uid", uid))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type cardRequest struct {
	RfidUID string `json:"rfidUid"`
}

// SetUserCard привязывает карту к пользователю; пустое значение отвязывает.
func (h *Handler) SetUserCard(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	var req cardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetUserCard(r.Context(), uid, req.RfidUID); err != nil {
		h.fail(w, err, "set user card error", zap.String("uid", uid))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteUser удаляет профиль пользователя.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := h.service.DeleteUser(r.Context(), uid); err != nil {
		h.fail(w, err, "delete user error", zap.String("uid", uid))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetAllRedemptions возвращает обмены всех пользователей по фильтру.
// Параметр code ищет обмен по коду подтверждения.
func (h *Handler) GetAllRedemptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := directory.RedemptionFilter{
		Status: model.RedemptionStatus(q.Get("status")),
		Query:  q.Get("q"),
		UserID: q.Get("user"),
	}
	switch f.Status {
	case "", model.RedemptionPending, model.RedemptionCollected:
	default:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if code := strings.TrimSpace(q.Get("code")); code != "" {
		if !validation.IsValidVerificationCode(code) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		f.Query = code
	}

	records, err := h.service.GetAllRedemptions(r.Context(), f)
	if err != nil {
		h.fail(w, err, "get all redemptions error")
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionResponses(records, true))
}

// MarkCollected отмечает выдачу товара.
func (h *Handler) MarkCollected(w http.ResponseWriter, r *http.Request) {
	uid, id := chi.URLParam(r, "uid"), chi.URLParam(r, "id")
	if err := h.service.MarkCollected(r.Context(), uid, id); err != nil {
		h.fail(w, err, "mark collected error", zap.String("uid", uid), zap.String("record", id))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetStats возвращает сводку для панели администратора.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		h.fail(w, err, "get stats error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
