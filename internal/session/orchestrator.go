package session

import (
	"time"

	"github.com/juju/errors"

	"github.com/printpay/kiosk/currency"
	"github.com/printpay/kiosk/internal/ledger"
	"github.com/printpay/kiosk/internal/tele"
	"github.com/printpay/kiosk/log2"
)

// Orchestrator applies settlement policy: what a print result does to
// stock, coins and history, and what gets reported upstream.
type Orchestrator struct {
	Ledger *ledger.Store
	Tele   tele.Teler
	Log    *log2.Log

	// RefundOnFail restores the coin balance for the next session when a
	// job fails. Default is the vending behavior: money stays taken.
	RefundOnFail bool

	// PaperLow triggers a stock telemetry report when crossing below.
	PaperLow int32
}

// Commit records one finished transaction. Success consumes paper and
// zeroes the carried coin balance in the same ledger write as the
// history record; failure records history only, optionally refunding.
func (o *Orchestrator) Commit(cfg Config, result ledger.Result, accrued currency.Amount) error {
	rec := ledger.PrintJobRecord{
		Time:        time.Now(),
		FormName:    cfg.FormName,
		Copies:      cfg.Copies,
		TotalAmount: accrued,
		Result:      result,
	}
	d := ledger.Delta{}
	zero := currency.Amount(0)
	switch result {
	case ledger.ResultSuccess:
		d.BondpaperAdd = -cfg.sheets()
		d.CoinsSet = &zero
	case ledger.ResultFailed:
		if o.RefundOnFail {
			refund := accrued
			d.CoinsSet = &refund
		}
	}
	if err := o.Ledger.RecordPrintResult(rec, d); err != nil {
		return errors.Annotatef(err, "commit form=%s result=%s", cfg.FormName, result.String())
	}

	if o.Tele != nil {
		o.Tele.PrintResult(tele.PrintTelemetry{
			Time:     rec.Time,
			FormName: rec.FormName,
			Copies:   rec.Copies,
			Amount:   accrued,
			Result:   result.String(),
		})
		left := o.Ledger.Settings().BondpaperQuantity
		if result == ledger.ResultSuccess && o.PaperLow > 0 && left < o.PaperLow {
			o.Log.Infof("%s bondpaper low left=%d threshold=%d", modName, left, o.PaperLow)
			o.Tele.StockLow(left)
		}
	}
	return nil
}
