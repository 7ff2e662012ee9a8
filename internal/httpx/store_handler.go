package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/akunstore/go-stock-engine/internal/cart"
	"github.com/akunstore/go-stock-engine/internal/checkout"
	"github.com/akunstore/go-stock-engine/internal/redisx"
	"github.com/akunstore/go-stock-engine/internal/shop"
)

// StoreHandler is the storefront surface. The session layer in front of
// us resolves authentication and passes the buyer in X-User-Id.
type StoreHandler struct {
	Cart     *cart.Manager
	Checkout *checkout.Coordinator
	Store    shop.Store
	Redis    *redis.Client
}

type AddToCartReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type UpdateQuantityReq struct {
	Quantity int `json:"quantity"`
}

type CheckoutReq struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CartLineResp struct {
	ReservationID    string `json:"reservation_id"`
	ProductID        string `json:"product_id"`
	Quantity         int    `json:"quantity"`
	PriceCents       int64  `json:"price_cents"`
	SubtotalCents    int64  `json:"subtotal_cents"`
	ExpiresAt        string `json:"expires_at"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

func (h *StoreHandler) Register(r *chi.Mux) {
	r.Post("/cart", h.addToCart)
	r.Get("/cart", h.listCart)
	r.Patch("/cart/{id}", h.updateQuantity)
	r.Delete("/cart/{id}", h.removeFromCart)
	r.Post("/checkout", h.checkout)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Get("/credits", h.getBalance)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, shop.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, shop.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, shop.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shop.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, shop.ErrReservationExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := r.Header.Get("X-User-Id")
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return "", false
	}
	return uid, true
}

func (h *StoreHandler) addToCart(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req AddToCartReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing product_id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Cart.AddToCart(ctx, uid, req.ProductID, req.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lineResp(res, time.Now().UTC()))
}

func (h *StoreHandler) listCart(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	lines, err := h.Cart.ListActive(ctx, uid)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]CartLineResp, 0, len(lines))
	now := time.Now().UTC()
	for _, l := range lines {
		out = append(out, lineResp(l.Reservation, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": out})
}

func (h *StoreHandler) updateQuantity(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var req UpdateQuantityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Cart.UpdateQuantity(ctx, uid, id, req.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}
	if res == nil { // quantity 0 removed the line
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, lineResp(res, time.Now().UTC()))
}

func (h *StoreHandler) removeFromCart(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Cart.RemoveFromCart(ctx, uid, chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StoreHandler) checkout(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req CheckoutReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	order, err := h.Checkout.Checkout(ctx, uid, req.IdempotencyKey)
	if errors.Is(err, shop.ErrEmptyCart) {
		// nothing to pay for is information, not a failure
		writeJSON(w, http.StatusOK, map[string]string{"status": "empty_cart"})
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *StoreHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	order, err := h.Store.Order(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if order.UserID != uid {
		writeErr(w, shop.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// getOrderStatus serves the cheap polling endpoint from the redis cache,
// falling back to the store.
func (h *StoreHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, id)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	order, err := h.Store.Order(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if order.UserID != uid {
		writeErr(w, shop.ErrNotFound)
		return
	}
	status := "COMPLETED"
	if order.DeliveredAt != nil {
		status = "DELIVERED"
	}
	body := map[string]string{"status": status}
	if h.Redis != nil {
		b, _ := json.Marshal(body)
		key := fmt.Sprintf(redisx.KeyOrderStatus, id)
		_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *StoreHandler) getBalance(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	balance, err := h.Store.Balance(ctx, uid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": uid, "balance_cents": balance})
}

func lineResp(res *shop.Reservation, now time.Time) CartLineResp {
	return CartLineResp{
		ReservationID:    res.ID,
		ProductID:        res.ProductID,
		Quantity:         res.Quantity,
		PriceCents:       res.PriceCents,
		SubtotalCents:    res.TotalCents(),
		ExpiresAt:        res.ExpiresAt.UTC().Format(time.RFC3339),
		RemainingSeconds: int(res.Remaining(now) / time.Second),
	}
}
