package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Guizzs26/go-pos-sync/internal/localstore"
	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/pricecache"
	"github.com/Guizzs26/go-pos-sync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	added   []models.Product
	records []models.QueueRecord
}

func (q *fakeQueue) Add(_ context.Context, p models.Product) (models.QueueRecord, error) {
	if p.Barcode == "" && p.Name == "" {
		return models.QueueRecord{}, service.ErrEmptyCapture
	}
	q.added = append(q.added, p)
	rec := models.QueueRecord{ID: "rec-1", Payload: p, HasPrice: p.HasPrice(), Status: models.QueueStatusPending}
	q.records = append(q.records, rec)
	return rec, nil
}

func (q *fakeQueue) Stats() models.QueueStats {
	return models.QueueStats{Total: len(q.records), Pending: len(q.records)}
}

func (q *fakeQueue) Records() []models.QueueRecord {
	return append([]models.QueueRecord(nil), q.records...)
}

func (q *fakeQueue) ClearCompleted(context.Context) int { return 2 }

func (q *fakeQueue) Retry(_ context.Context, id string) (models.QueueRecord, error) {
	switch id {
	case "missing":
		return models.QueueRecord{}, service.ErrRecordNotFound
	case "saved":
		return models.QueueRecord{}, service.ErrNotRetryable
	}
	return models.QueueRecord{ID: id, Status: models.QueueStatusPending}, nil
}

type fakeSyncer struct {
	triggers int
}

func (s *fakeSyncer) Trigger()     { s.triggers++ }
func (s *fakeSyncer) Online() bool { return true }
func (s *fakeSyncer) LastReport() service.SweepReport {
	return service.SweepReport{Synced: 4, Failed: 1}
}

type testServer struct {
	router *gin.Engine
	queue  *fakeQueue
	sync   *fakeSyncer
	local  *localstore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	local, err := localstore.Open(context.Background(), filepath.Join(t.TempDir(), "local.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	prices := pricecache.New(nil, "", logger)
	prices.Add(models.PriceReferenceEntry{Code: "23456", Name: "Arroz Tipo 1", PurchasePrice: decimal.NewFromInt(100), Quantity: 3})

	s := &testServer{queue: &fakeQueue{}, sync: &fakeSyncer{}, local: local}
	s.router = NewRouter(NewHandler(s.queue, local, s.sync, prices, logger), nil)
	return s
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestCreateCapture(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/captures", `{"barcode":"7891000100103","name":"Leite","purchase_price":"4.10","sale_price":5.33,"quantity":2}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var rec models.QueueRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "rec-1", rec.ID)
	assert.True(t, rec.HasPrice)

	require.Len(t, s.queue.added, 1)
	assert.True(t, s.queue.added[0].SalePrice.Equal(decimal.RequireFromString("5.33")))
}

func TestCreateCaptureValidation(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]string{
		"empty":          `{}`,
		"negative qty":   `{"barcode":"1","quantity":-1}`,
		"negative price": `{"barcode":"1","purchase_price":-2}`,
		"malformed":      `{"barcode":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/api/v1/captures", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, s.queue.added)
}

func TestQueueEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.queue.records = []models.QueueRecord{
		{ID: "a", Status: models.QueueStatusPending},
		{ID: "b", Status: models.QueueStatusSaved},
	}

	w := s.do(http.MethodGet, "/api/v1/queue/records?status=saved", "")
	require.Equal(t, http.StatusOK, w.Code)
	var records []models.QueueRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].ID)

	w = s.do(http.MethodGet, "/api/v1/queue/stats", "")
	assert.JSONEq(t, `{"total":2,"pending":2,"saving":0,"saved":0,"queued":0,"failed":0}`, w.Body.String())

	w = s.do(http.MethodDelete, "/api/v1/queue/completed", "")
	assert.JSONEq(t, `{"removed":2}`, w.Body.String())

	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/queue/records/x/retry", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/v1/queue/records/missing/retry", "").Code)
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/api/v1/queue/records/saved/retry", "").Code)
}

func TestPutLocalEntry(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPut, "/api/v1/local/suppliers/sup-1", `{"name":"Acme","phone":"555"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, s.sync.triggers)

	e, err := s.local.Get(context.Background(), models.CollectionSuppliers, "sup-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, e.SyncStatus)

	w = s.do(http.MethodGet, "/api/v1/local/suppliers/sup-1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/local/suppliers/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, "/api/v1/local/customers/c1", `{"a":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, "/api/v1/local/suppliers/sup-2", `[1,2]`).Code)

	w = s.do(http.MethodGet, "/api/v1/local/stats", "")
	assert.JSONEq(t, `{"suppliers":{"pending":1}}`, w.Body.String())
}

func TestSyncEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/sync", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, s.sync.triggers)

	w = s.do(http.MethodGet, "/api/v1/sync/report", "")
	require.Equal(t, http.StatusOK, w.Code)
	var report service.SweepReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 4, report.Synced)
	assert.Equal(t, 1, report.Failed)
}

func TestLookupPrice(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/prices/200123456", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Code      string          `json:"code"`
		SalePrice decimal.Decimal `json:"sale_price"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "23456", body.Code)
	assert.True(t, body.SalePrice.Equal(decimal.NewFromInt(130)))

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/prices/999", "").Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/health", "")
	assert.JSONEq(t, `{"status":"ok","remote_online":true}`, w.Body.String())
}
