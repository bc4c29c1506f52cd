package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/core/service"
)

const (
	maxBodyBytes         = 1 << 20
	idempotencyKeyHeader = "Idempotency-Key"
)

type HTTPHandler struct {
	orders OrderPlacer
	log    *zap.Logger
}

type AddressHTTPRequest struct {
	City    string  `json:"city"`
	Country string  `json:"country"`
	ZipCode ZipCode `json:"zipCode"`
}

type ProductHTTPRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderHTTPRequest struct {
	Address  *AddressHTTPRequest  `json:"address"`
	Products []ProductHTTPRequest `json:"products"`
}

type CreateOrderHTTPResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Error       string `json:"error,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
	OrderID     string `json:"order_id,omitempty"`
	TotalAmount string `json:"total_amount,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// ZipCode accepts either a JSON string or a JSON number.
type ZipCode string

func (z *ZipCode) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*z = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*z = ZipCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("zipCode must be a string or a number: %w", err)
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("zipCode must be an integer: %w", err)
	}
	*z = ZipCode(strconv.FormatInt(v, 10))
	return nil
}

func NewHTTPHandler(orders OrderPlacer, log *zap.Logger) *HTTPHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPHandler{orders: orders, log: log}
}

// Routes mounts the handler on a chi router with the standard middleware stack.
func (h *HTTPHandler) Routes(requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(middleware.Timeout(requestTimeout))
	}

	r.Get("/health", h.HealthCheck)
	r.Post("/orders/create", h.CreateOrder)
	return r
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req CreateOrderHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, CreateOrderHTTPResponse{
			Success: false,
			Message: "invalid request body",
		})
		return
	}

	result, err := h.orders.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
		Address:        req.Address.toDomain(),
		Lines:          toCartLines(req.Products),
	})
	if err != nil {
		kind := service.KindOf(err)
		writeJSON(w, httpStatus(kind), CreateOrderHTTPResponse{
			Success:   false,
			Message:   errorMessage(err),
			Error:     string(kind),
			Retryable: service.Retryable(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, CreateOrderHTTPResponse{
		Success:     true,
		Message:     "order placed successfully",
		OrderID:     result.OrderID,
		TotalAmount: result.TotalAmount.String(),
		CreatedAt:   result.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *AddressHTTPRequest) toDomain() *domain.Address {
	if a == nil {
		return nil
	}
	return &domain.Address{City: a.City, Country: a.Country, PostalCode: string(a.ZipCode)}
}

func toCartLines(products []ProductHTTPRequest) []domain.CartLine {
	lines := make([]domain.CartLine, 0, len(products))
	for _, p := range products {
		lines = append(lines, domain.CartLine{ProductID: p.ProductID, Quantity: p.Quantity})
	}
	return lines
}

func httpStatus(kind service.ErrorKind) int {
	switch kind {
	case service.KindInvalidAddress, service.KindEmptyCart,
		service.KindInvalidProductReference, service.KindInvalidQuantity:
		return http.StatusBadRequest
	case service.KindProductNotFound:
		return http.StatusNotFound
	case service.KindInsufficientStock, service.KindTransactionAborted, service.KindDuplicateRequest:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// errorMessage names the offending products for stock and lookup failures and
// hides store internals.
func errorMessage(err error) string {
	var stockErr *service.StockError
	if errors.As(err, &stockErr) {
		return fmt.Sprintf("total number of %s available is less than the quantity ordered", stockErr.Name)
	}
	var missing *service.MissingProductsError
	if errors.As(err, &missing) {
		return "one or more products are not available: " + strings.Join(missing.ProductIDs, ", ")
	}

	switch service.KindOf(err) {
	case service.KindInvalidAddress:
		return "please provide a valid address"
	case service.KindEmptyCart:
		return "please provide at least one product"
	case service.KindInvalidProductReference:
		return "please provide a valid product id"
	case service.KindInvalidQuantity:
		return "please provide a valid quantity"
	case service.KindTransactionAborted:
		return "order could not be placed due to concurrent updates, please retry"
	case service.KindDuplicateRequest:
		return "duplicate request"
	default:
		return "service temporarily unavailable"
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
