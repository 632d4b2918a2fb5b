// Package spool submits print jobs to the OS print spooler and resolves
// them to a terminal outcome. It never touches the ledger; settlement
// belongs to the session orchestrator.
package spool

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	ErrNoPrinterAvailable = errors.New("no idle printer available")
	ErrSpoolerTimeout     = errors.New("spooler did not finish job in time")
)

// Printer is one discovered print queue.
type Printer struct {
	Name      string
	Idle      bool
	Accepting bool
}

// JobHandle identifies one submitted job until terminal status.
type JobHandle struct {
	ID      int
	Printer string
}

func (h JobHandle) String() string { return fmt.Sprintf("job(id=%d printer=%s)", h.ID, h.Printer) }

type Outcome uint8

const (
	OutcomeInvalid Outcome = iota
	OutcomeSuccess
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomeFailed:
		return "Failed"
	}
	return "Invalid"
}

// Event is the single terminal notification for one job.
type Event struct {
	Handle  JobHandle
	Outcome Outcome
	Err     error
}

// Spooler is the narrow contract against the external print system.
type Spooler interface {
	// Printers lists discovered queues with idle/accepting status.
	Printers() ([]Printer, error)
	// Submit sends documentPath to printer, returns the spooler job id.
	Submit(printer, documentPath string, copies int, media string) (int, error)
	// JobActive reports whether the job still sits in the active list.
	JobActive(h JobHandle) (bool, error)
	// JobCompletedOK classifies a job that left the active list.
	JobCompletedOK(h JobHandle) (bool, error)
}
