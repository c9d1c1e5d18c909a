package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrAuthRequired marks an operation attempted without a valid session.
var ErrAuthRequired = errors.New("authentication required")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field string, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func NotFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

type WrongSiteKindError struct {
	Expected SiteKind
	Actual   SiteKind
}

func (e *WrongSiteKindError) Error() string {
	return fmt.Sprintf("wrong site kind: expected %s, got %s", e.Expected, e.Actual)
}

// StockDeficit names one crop a cart demanded more of than is available.
type StockDeficit struct {
	CropID    int64           `json:"crop_id"`
	ItemName  string          `json:"item_name"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
}

// InsufficientStockError aggregates every deficient crop of a cart so the
// operator sees all shortfalls in one failure.
type InsufficientStockError struct {
	Deficits []StockDeficit
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Deficits))
	for _, d := range e.Deficits {
		parts = append(parts, fmt.Sprintf("crop %d (%s): requested %s, available %s",
			d.CropID, d.ItemName, d.Requested, d.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

type PaymentShortError struct {
	Total     decimal.Decimal
	CashGiven decimal.Decimal
}

func (e *PaymentShortError) Error() string {
	return fmt.Sprintf("cash given %s is less than total %s", e.CashGiven, e.Total)
}

// StorageFault wraps a durable-I/O failure from the store.
type StorageFault struct {
	Op  string
	Err error
}

func (e *StorageFault) Error() string {
	return fmt.Sprintf("storage fault in %s: %v", e.Op, e.Err)
}

func (e *StorageFault) Unwrap() error {
	return e.Err
}
