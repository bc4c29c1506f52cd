package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidAddress          = errors.New("invalid address")
	ErrEmptyCart               = errors.New("empty cart")
	ErrInvalidProductReference = errors.New("invalid product reference")
	ErrInvalidQuantity         = errors.New("invalid quantity")
	ErrProductNotFound         = errors.New("product not found")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrTransactionAborted      = errors.New("transaction aborted")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrDuplicateRequest        = errors.New("duplicate request")
)

// StockError names the product whose available quantity is below the request.
type StockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock: %s (%s) requested %d, available %d",
		e.ProductID, e.Name, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

type MissingProductsError struct {
	ProductIDs []string
}

func (e *MissingProductsError) Error() string {
	return "product not found: " + strings.Join(e.ProductIDs, ", ")
}

func (e *MissingProductsError) Unwrap() error { return ErrProductNotFound }

type ErrorKind string

const (
	KindNone                    ErrorKind = ""
	KindInvalidAddress          ErrorKind = "INVALID_ADDRESS"
	KindEmptyCart               ErrorKind = "EMPTY_CART"
	KindInvalidProductReference ErrorKind = "INVALID_PRODUCT_REFERENCE"
	KindInvalidQuantity         ErrorKind = "INVALID_QUANTITY"
	KindProductNotFound         ErrorKind = "PRODUCT_NOT_FOUND"
	KindInsufficientStock       ErrorKind = "INSUFFICIENT_STOCK"
	KindTransactionAborted      ErrorKind = "TRANSACTION_ABORTED"
	KindStoreUnavailable        ErrorKind = "STORE_UNAVAILABLE"
	KindDuplicateRequest        ErrorKind = "DUPLICATE_REQUEST"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidAddress, KindInvalidAddress},
	{ErrEmptyCart, KindEmptyCart},
	{ErrInvalidProductReference, KindInvalidProductReference},
	{ErrInvalidQuantity, KindInvalidQuantity},
	{ErrProductNotFound, KindProductNotFound},
	{ErrInsufficientStock, KindInsufficientStock},
	{ErrTransactionAborted, KindTransactionAborted},
	{ErrDuplicateRequest, KindDuplicateRequest},
	{ErrStoreUnavailable, KindStoreUnavailable},
}

// KindOf maps err to exactly one kind. Errors outside the taxonomy are reported
// as KindStoreUnavailable.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindStoreUnavailable
}

// Retryable reports whether the caller may resubmit the same request unchanged.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransactionAborted, KindStoreUnavailable, KindDuplicateRequest:
		return true
	}
	return false
}

func storeUnavailable(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
