package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Guizzs26/go-pos-sync/internal/localstore"
	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/pricecache"
	"github.com/Guizzs26/go-pos-sync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type captureRequest struct {
	Barcode       string          `json:"barcode" binding:"required_without=Name,max=64"`
	Name          string          `json:"name" binding:"max=255"`
	Category      string          `json:"category"`
	Unit          string          `json:"unit"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	Quantity      int             `json:"quantity" binding:"gte=0"`
	PhotoURLs     []string        `json:"photo_urls"`
	SupplierID    string          `json:"supplier_id"`
	CreatedBy     string          `json:"created_by"`
}

func (r captureRequest) product() models.Product {
	return models.Product{
		Barcode:       r.Barcode,
		Name:          r.Name,
		Category:      r.Category,
		Unit:          r.Unit,
		PurchasePrice: r.PurchasePrice,
		SalePrice:     r.SalePrice,
		Quantity:      r.Quantity,
		PhotoURLs:     r.PhotoURLs,
		SupplierID:    r.SupplierID,
		CreatedBy:     r.CreatedBy,
	}
}

type priceResponse struct {
	models.PriceReferenceEntry
	SalePrice decimal.Decimal `json:"sale_price"`
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"remote_online": h.sync.Online(),
	})
}

func (h *Handler) createCapture(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PurchasePrice.IsNegative() || req.SalePrice.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prices cannot be negative"})
		return
	}

	rec, err := h.queue.Add(c.Request.Context(), req.product())
	if err != nil {
		if errors.Is(err, service.ErrEmptyCapture) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, rec)
}

func (h *Handler) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Stats())
}

func (h *Handler) queueRecords(c *gin.Context) {
	records := h.queue.Records()
	if status := c.Query("status"); status != "" {
		filtered := records[:0]
		for _, r := range records {
			if string(r.Status) == status {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) clearCompleted(c *gin.Context) {
	removed := h.queue.ClearCompleted(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) retryRecord(c *gin.Context) {
	rec, err := h.queue.Retry(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, service.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, rec)
	}
}

func (h *Handler) localStats(c *gin.Context) {
	counts, err := h.local.Counts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *Handler) getLocal(c *gin.Context) {
	entry, err := h.local.Get(c.Request.Context(), c.Param("collection"), c.Param("id"))
	switch {
	case errors.Is(err, localstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
	case errors.Is(err, models.ErrUnknownCollection):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, entry)
	}
}

// putLocal stores a form submitted while offline. The body is the entity itself
func (h *Handler) putLocal(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object"})
		return
	}

	entry, err := h.local.Put(c.Request.Context(), c.Param("collection"), models.LocalEntry{
		ID:   strings.TrimSpace(c.Param("id")),
		Data: body,
	})
	if err != nil {
		if errors.Is(err, models.ErrUnknownCollection) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to store local entry", "collection", c.Param("collection"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.sync.Trigger()
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) triggerSync(c *gin.Context) {
	h.sync.Trigger()
	c.JSON(http.StatusAccepted, gin.H{"triggered": true, "remote_online": h.sync.Online()})
}

func (h *Handler) syncReport(c *gin.Context) {
	c.JSON(http.StatusOK, h.sync.LastReport())
}

// lookupPrice resolves a barcode first and falls back to a name match
func (h *Handler) lookupPrice(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))

	entry, ok := h.prices.FindByBarcode(code)
	if !ok {
		entry, ok = h.prices.FindByName(code)
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reference price"})
		return
	}

	c.JSON(http.StatusOK, priceResponse{
		PriceReferenceEntry: entry,
		SalePrice:           pricecache.SalePrice(entry.PurchasePrice),
	})
}
