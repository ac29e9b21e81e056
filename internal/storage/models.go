package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// DispatchRecord is one audited dispatch attempt. The audit log is write-only
// from the watcher's point of view; cooldown state never reads it back.
type DispatchRecord struct {
	ID           int64
	Symbol       string
	Side         string
	Qty          decimal.Decimal
	Price        decimal.Decimal
	ChangePct    decimal.Decimal
	DollarVolume decimal.Decimal
	Source       string
	Success      bool
	HTTPStatus   *int
	Error        *string
	CreatedAt    time.Time
}
