package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/akunstore/go-stock-engine/internal/shop"
)

// AdminHandler is the stocking/recharge surface. It sits behind the admin
// gateway; there is no auth here by design.
type AdminHandler struct {
	Store   shop.Store
	Catalog shop.Catalog
}

type AddUnitsReq struct {
	ProductID string   `json:"product_id"`
	Payloads  []string `json:"payloads"`
}

type AddCreditReq struct {
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
}

func (h *AdminHandler) Register(r *chi.Mux) {
	r.Post("/admin/units", h.addUnits)
	r.Delete("/admin/units/{id}", h.removeUnit)
	r.Get("/admin/products/{id}/available", h.availableCount)
	r.Post("/admin/credits", h.addCredit)
}

func (h *AdminHandler) addUnits(w http.ResponseWriter, r *http.Request) {
	var req AddUnitsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ProductID == "" || len(req.Payloads) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := h.Catalog.Product(ctx, req.ProductID); err != nil {
		writeErr(w, err)
		return
	}
	ids, err := h.Store.AddUnits(ctx, req.ProductID, req.Payloads)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"unit_ids": ids})
}

func (h *AdminHandler) removeUnit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Store.RemoveUnit(ctx, chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) availableCount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	n, err := h.Store.AvailableCount(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": id, "available": n})
}

func (h *AdminHandler) addCredit(w http.ResponseWriter, r *http.Request) {
	var req AddCreditReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Store.Credit(ctx, req.UserID, req.AmountCents); err != nil {
		writeErr(w, err)
		return
	}
	balance, err := h.Store.Balance(ctx, req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "balance_cents": balance})
}
