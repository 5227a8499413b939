package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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
)

type stubService struct {
	identity    session.Identity
	registerErr error
	authErr     error
	loggedOut   string

	admin    bool
	adminErr error

	balance    ledger.Balance
	balanceErr error

	records []model.RedemptionRecord
	items   []model.StoreItem

	receipt   *redemption.Receipt
	redeemErr error
	redeemed  string

	linkStatus cardlink.Status

	createdItem model.StoreItem
	stock       model.Stock
	points      int64
	card        string
	writeErr    error

	users  []model.User
	filter directory.RedemptionFilter
	stats  directory.Stats
}

func (s *stubService) RegisterUser(ctx context.Context, email, password, name string) (session.Identity, error) {
	return s.identity, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, email, password string) (session.Identity, error) {
	return s.identity, s.authErr
}

func (s *stubService) Logout(uid string) { s.loggedOut = uid }

func (s *stubService) CurrentUser(ctx context.Context, uid string) (session.Identity, error) {
	return session.Identity{UID: uid, Email: s.identity.Email, Admin: s.admin}, nil
}

func (s *stubService) IsAdmin(ctx context.Context, uid string) (bool, error) {
	return s.admin, s.adminErr
}

func (s *stubService) GetBalance(ctx context.Context, uid string) (ledger.Balance, error) {
	return s.balance, s.balanceErr
}

func (s *stubService) GetRedemptions(ctx context.Context, uid string) ([]model.RedemptionRecord, error) {
	return s.records, nil
}

func (s *stubService) GetItems(ctx context.Context) ([]model.StoreItem, error) {
	return s.items, nil
}

func (s *stubService) Redeem(ctx context.Context, uid, itemID string) (*redemption.Receipt, error) {
	s.redeemed = itemID
	return s.receipt, s.redeemErr
}

func (s *stubService) StartCardLink(ctx context.Context, uid string) (cardlink.Status, error) {
	return s.linkStatus, nil
}

func (s *stubService) CardLinkStatus(ctx context.Context, uid string) (cardlink.Status, error) {
	return s.linkStatus, nil
}

func (s *stubService) CancelCardLink(ctx context.Context, uid string) (cardlink.Status, error) {
	return cardlink.Status{State: cardlink.StateCancelled}, nil
}

func (s *stubService) CreateItem(ctx context.Context, item model.StoreItem) (string, error) {
	s.createdItem = item
	return "item-1", s.writeErr
}

func (s *stubService) UpdateItem(ctx context.Context, id string, item model.StoreItem) error {
	s.createdItem = item
	return s.writeErr
}

func (s *stubService) DeleteItem(ctx context.Context, id string) error { return s.writeErr }

func (s *stubService) SetStock(ctx context.Context, id string, stock model.Stock) error {
	s.stock = stock
	return s.writeErr
}

func (s *stubService) GetUsers(ctx context.Context, query string) ([]model.User, error) {
	return s.users, nil
}

func (s *stubService) SetUserPoints(ctx context.Context, uid string, points int64) error {
	s.points = points
	return s.writeErr
}

func (s *stubService) SetUserCard(ctx context.Context, uid, card string) error {
	s.card = card
	return s.writeErr
}

func (s *stubService) DeleteUser(ctx context.Context, uid string) error { return s.writeErr }

func (s *stubService) GetAllRedemptions(ctx context.Context, f directory.RedemptionFilter) ([]model.RedemptionRecord, error) {
	s.filter = f
	return s.records, nil
}

func (s *stubService) MarkCollected(ctx context.Context, uid, id string) error { return s.writeErr }

func (s *stubService) GetStats(ctx context.Context) (directory.Stats, error) {
	return s.stats, nil
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authCookie(t *testing.T, h *Handler, uid string) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, uid)
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("auth cookie not set")
	}
	return cookies[0]
}

func serve(t *testing.T, h *Handler, method, target, body, uid string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if uid != "" {
		req.AddCookie(authCookie(t, h, uid))
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		identity: session.Identity{UID: "u1", Email: "user@example.com"},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Email:    "user@example.com",
		Password: "secret1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie not set")
	}

	var id session.Identity
	if err := json.NewDecoder(res.Body).Decode(&id); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id.UID != "u1" {
		t.Fatalf("uid = %q, want %q", id.UID, "u1")
	}
}

func TestRegister_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "bad json", body: "{", want: http.StatusBadRequest},
		{name: "missing password", body: `{"email":"a@b.c"}`, want: http.StatusBadRequest},
		{name: "exists", body: `{"email":"a@b.c","password":"secret1"}`, err: session.ErrAccountExists, want: http.StatusConflict},
		{name: "invalid", body: `{"email":"a@b.c","password":"1"}`, err: fmt.Errorf("%w: password", session.ErrInvalidSignup), want: http.StatusBadRequest},
		{name: "internal", body: `{"email":"a@b.c","password":"secret1"}`, err: errors.New("db down"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{registerErr: tt.err})
			rec := serve(t, h, http.MethodPost, "/api/user/register", tt.body, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLogin_UnauthorizedOnInvalidCredentials(t *testing.T) {
	svc := &stubService{
		authErr: session.ErrInvalidCredentials,
	}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodPost, "/api/user/login", `{"email":"a@b.c","password":"nope"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestLogout(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodPost, "/api/user/logout", "", "u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.loggedOut != "u1" {
		t.Fatalf("logged out = %q, want %q", svc.loggedOut, "u1")
	}
}

func TestUserRoutes_RequireCookie(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	for _, target := range []string{"/api/user/balance", "/api/user/redemptions", "/api/store/items", "/api/user/rfid/link"} {
		rec := serve(t, h, http.MethodGet, target, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want %d", target, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestGetBalance_JSONResponse(t *testing.T) {
	svc := &stubService{
		balance: ledger.Balance{Stored: 10, Computed: 40, Authoritative: 40, Ready: true},
	}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodGet, "/api/user/balance", "", "u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["points"] != float64(40) {
		t.Fatalf("points = %v, want 40", got["points"])
	}
}

func TestGetRedemptions(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	rec := serve(t, h, http.MethodGet, "/api/user/redemptions", "", "u1")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	svc := &stubService{records: []model.RedemptionRecord{{
		ID:               "r1",
		UserID:           "u1",
		ItemName:         "Mug",
		Points:           100,
		VerificationCode: "12345678",
		Timestamp:        1_700_000_000,
	}}}
	h = newTestHandler(t, svc)
	rec = serve(t, h, http.MethodGet, "/api/user/redemptions", "", "u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got []redemptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Status != "pending" || got[0].UserID != "" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestRedeem_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", want: http.StatusOK},
		{name: "insufficient funds", err: redemption.ErrInsufficientFunds, want: http.StatusPaymentRequired},
		{name: "out of stock", err: redemption.ErrOutOfStock, want: http.StatusConflict},
		{name: "write failed", err: fmt.Errorf("%w: %w", redemption.ErrRedemptionFailed, errors.New("timeout")), want: http.StatusServiceUnavailable},
		{name: "history loading", err: redemption.ErrBalanceNotLoaded, want: http.StatusServiceUnavailable},
		{name: "unknown item", err: catalog.ErrNotFound, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				receipt:   &redemption.Receipt{RecordID: "r1", VerificationCode: "12345678"},
				redeemErr: tt.err,
			}
			h := newTestHandler(t, svc)

			rec := serve(t, h, http.MethodPost, "/api/store/items/item-7/redeem", "", "u1")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if svc.redeemed != "item-7" {
				t.Fatalf("redeemed = %q, want %q", svc.redeemed, "item-7")
			}
		})
	}
}

func TestCardLinkRoutes(t *testing.T) {
	svc := &stubService{linkStatus: cardlink.Status{State: cardlink.StateLinking}}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodPost, "/api/user/rfid/link", "", "u1")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	rec = serve(t, h, http.MethodDelete, "/api/user/rfid/link", "", "u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var st cardlink.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != cardlink.StateCancelled {
		t.Fatalf("state = %q, want %q", st.State, cardlink.StateCancelled)
	}
}

func TestAdminRoutes_Access(t *testing.T) {
	tests := []struct {
		name     string
		uid      string
		admin    bool
		adminErr error
		want     int
	}{
		{name: "anonymous", want: http.StatusUnauthorized},
		{name: "not admin", uid: "u1", want: http.StatusForbidden},
		{name: "check failed", uid: "u1", adminErr: errors.New("db down"), want: http.StatusInternalServerError},
		{name: "admin", uid: "u1", admin: true, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{admin: tt.admin, adminErr: tt.adminErr})
			rec := serve(t, h, http.MethodGet, "/api/admin/stats", "", tt.uid)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCreateItem_ParsesFormValues(t *testing.T) {
	svc := &stubService{admin: true}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodPost, "/api/admin/items", `{"name":" Mug ","points":"100","stock":"Unlimited","icon":"cup"}`, "admin")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	want := model.StoreItem{Name: "Mug", Points: 100, Stock: model.UnlimitedStock(), Icon: "cup"}
	if svc.createdItem != want {
		t.Fatalf("item = %+v, want %+v", svc.createdItem, want)
	}

	rec = serve(t, h, http.MethodPut, "/api/admin/items/item-1", `{"name":"Mug","points":120,"stock":3}`, "admin")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.createdItem.Points != 120 || svc.createdItem.Stock != model.CountStock(3) {
		t.Fatalf("item = %+v", svc.createdItem)
	}

	rec = serve(t, h, http.MethodPost, "/api/admin/items", `{"name":"Mug","points":"lots","stock":1}`, "admin")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	svc.writeErr = fmt.Errorf("%w: name is required", catalog.ErrInvalidItem)
	rec = serve(t, h, http.MethodPost, "/api/admin/items", `{"name":"","points":1,"stock":1}`, "admin")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSetStock(t *testing.T) {
	svc := &stubService{admin: true}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodPut, "/api/admin/items/item-1/stock", `{"stock":0}`, "admin")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.stock != model.CountStock(0) {
		t.Fatalf("stock = %+v, want 0", svc.stock)
	}

	rec = serve(t, h, http.MethodPut, "/api/admin/items/item-1/stock", `{"stock":"plenty"}`, "admin")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestAdminUserEdits(t *testing.T) {
	svc := &stubService{admin: true}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodPut, "/api/admin/users/u2/points", `{"points":"250"}`, "admin")
	if rec.Code != http.StatusOK || svc.points != 250 {
		t.Fatalf("status = %d, points = %d", rec.Code, svc.points)
	}

	svc.writeErr = rfid.ErrCardInUse
	rec = serve(t, h, http.MethodPut, "/api/admin/users/u2/rfid", `{"rfidUid":"abc1"}`, "admin")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if svc.card != "abc1" {
		t.Fatalf("card = %q, want %q", svc.card, "abc1")
	}

	svc.writeErr = directory.ErrNotFound
	rec = serve(t, h, http.MethodDelete, "/api/admin/users/ghost", "", "admin")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetAllRedemptions_Filter(t *testing.T) {
	svc := &stubService{admin: true}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodGet, "/api/admin/redemptions?status=pending&q=alice&user=u2", "", "admin")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := directory.RedemptionFilter{Status: model.RedemptionPending, Query: "alice", UserID: "u2"}
	if svc.filter != want {
		t.Fatalf("filter = %+v, want %+v", svc.filter, want)
	}

	rec = serve(t, h, http.MethodGet, "/api/admin/redemptions?code=12345678", "", "admin")
	if rec.Code != http.StatusOK || svc.filter.Query != "12345678" {
		t.Fatalf("status = %d, filter = %+v", rec.Code, svc.filter)
	}

	for _, target := range []string{"/api/admin/redemptions?status=lost", "/api/admin/redemptions?code=0123"} {
		rec = serve(t, h, http.MethodGet, target, "", "admin")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want %d", target, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestMarkCollected_AlreadyCollected(t *testing.T) {
	svc := &stubService{admin: true, writeErr: directory.ErrAlreadyCollected}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodPost, "/api/admin/redemptions/u2/r1/collect", "", "admin")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: rfid.ErrInvalidCardID, want: http.StatusBadRequest},
		{err: session.ErrNotAuthenticated, want: http.StatusUnauthorized},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{err: ledger.ErrSyncWriteFailed, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(fmt.Errorf("wrapped: %w", tt.err)); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
