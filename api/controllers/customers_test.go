package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/memberhubhq/memberhub-backend/internal/customers"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	pkgerrors "github.com/memberhubhq/memberhub-backend/pkg/errors"
	"github.com/memberhubhq/memberhub-backend/pkg/pagination"
)

type stubCustomerService struct {
	created    *models.Customer
	createErr  error
	getByID    map[uuid.UUID]*models.Customer
	listRows   []models.Customer
	listCursor *pagination.Cursor
	listParams pagination.Params
}

func (s *stubCustomerService) Create(ctx context.Context, input customers.CreateCustomerInput) (*models.Customer, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = &models.Customer{
		ID:               uuid.New(),
		StripeCustomerID: "cus_test",
		Name:             input.Name,
		Email:            input.Email,
		Phone:            input.Phone,
		MembershipStatus: enums.MembershipStatusNone,
		IsActive:         true,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	return s.created, nil
}

func (s *stubCustomerService) Get(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	if c, ok := s.getByID[id]; ok {
		return c, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
}

func (s *stubCustomerService) GetByGatewayID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
}

func (s *stubCustomerService) Update(ctx context.Context, id uuid.UUID, input customers.UpdateCustomerInput) (*models.Customer, error) {
	c, ok := s.getByID[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}
	if input.Name != nil {
		c.Name = *input.Name
	}
	if input.Email != nil {
		c.Email = *input.Email
	}
	if input.Phone != nil {
		c.Phone = *input.Phone
	}
	return c, nil
}

func (s *stubCustomerService) List(ctx context.Context, params pagination.Params) ([]models.Customer, *pagination.Cursor, error) {
	s.listParams = params
	return s.listRows, s.listCursor, nil
}

func (s *stubCustomerService) Deactivate(ctx context.Context, id uuid.UUID) error {
	if _, ok := s.getByID[id]; !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}
	return nil
}

func seedCustomer(t *testing.T) *models.Customer {
	t.Helper()
	return &models.Customer{
		ID:               uuid.New(),
		StripeCustomerID: "cus_seed",
		Name:             "Dana Smith",
		Email:            "dana@example.com",
		Phone:            "+15555550100",
		MembershipStatus: enums.MembershipStatusActive,
		IsActive:         true,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
}

func routeWithParam(handler http.HandlerFunc, method, pattern string) *chi.Mux {
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, handler)
	return r
}

func TestCustomerCreate_Success(t *testing.T) {
	svc := &stubCustomerService{}
	handler := CustomerCreate(svc, nil)

	body := bytes.NewBufferString(`{"name":"Dana Smith","email":"dana@example.com","phone":"+15555550100"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/customers", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.created == nil {
		t.Fatalf("expected service to be called")
	}

	var envelope struct {
		Data customers.CustomerResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.Email != "dana@example.com" {
		t.Fatalf("unexpected email %q", envelope.Data.Email)
	}
}

func TestCustomerCreate_RejectsUnknownFields(t *testing.T) {
	svc := &stubCustomerService{}
	handler := CustomerCreate(svc, nil)

	body := bytes.NewBufferString(`{"name":"Dana","email":"dana@example.com","phone":"+15555550100","role":"admin"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/customers", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
	if svc.created != nil {
		t.Fatalf("service should not be called on invalid body")
	}
}

func TestCustomerDetail_NotFound(t *testing.T) {
	svc := &stubCustomerService{getByID: map[uuid.UUID]*models.Customer{}}
	r := routeWithParam(CustomerDetail(svc, nil), http.MethodGet, "/api/v1/customers/{customerId}")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCustomerDetail_InvalidID(t *testing.T) {
	svc := &stubCustomerService{}
	r := routeWithParam(CustomerDetail(svc, nil), http.MethodGet, "/api/v1/customers/{customerId}")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCustomerUpdate_PatchesFields(t *testing.T) {
	seed := seedCustomer(t)
	svc := &stubCustomerService{getByID: map[uuid.UUID]*models.Customer{seed.ID: seed}}
	r := routeWithParam(CustomerUpdate(svc, nil), http.MethodPatch, "/api/v1/customers/{customerId}")

	body := bytes.NewBufferString(`{"name":"Dana Jones"}`)
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/customers/"+seed.ID.String(), body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if seed.Name != "Dana Jones" {
		t.Fatalf("expected name patched, got %q", seed.Name)
	}
}

func TestCustomerList_PageWithCursor(t *testing.T) {
	seed := seedCustomer(t)
	next := &pagination.Cursor{CreatedAt: seed.CreatedAt, ID: seed.ID}
	svc := &stubCustomerService{listRows: []models.Customer{*seed}, listCursor: next}
	handler := CustomerList(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers?limit=10", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.listParams.Limit != 10 {
		t.Fatalf("expected limit 10 passed through, got %d", svc.listParams.Limit)
	}

	var envelope struct {
		Data struct {
			Items      []customers.CustomerResponse `json:"items"`
			NextCursor *string                      `json:"next_cursor"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(envelope.Data.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(envelope.Data.Items))
	}
	if envelope.Data.NextCursor == nil || *envelope.Data.NextCursor == "" {
		t.Fatalf("expected next cursor to be set")
	}
}

func TestCustomerList_InvalidLimit(t *testing.T) {
	svc := &stubCustomerService{}
	handler := CustomerList(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers?limit=abc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", rec.Code)
	}
}

func TestCustomerDeactivate_Success(t *testing.T) {
	seed := seedCustomer(t)
	svc := &stubCustomerService{getByID: map[uuid.UUID]*models.Customer{seed.ID: seed}}
	r := routeWithParam(CustomerDeactivate(svc, nil), http.MethodDelete, "/api/v1/customers/{customerId}")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/customers/"+seed.ID.String(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}
