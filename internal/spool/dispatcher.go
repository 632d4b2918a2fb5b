package spool

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/printpay/kiosk/log2"
)

const modName = "spool/dispatcher"

// Dispatcher picks an idle printer, submits, and polls the spooler to a
// terminal outcome on its own goroutine.
type Dispatcher struct {
	Log *log2.Log

	spooler      Spooler
	alive        *alive.Alive
	pollInterval time.Duration
	timeout      time.Duration
}

func NewDispatcher(s Spooler, pollInterval, timeout time.Duration, log *log2.Log) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Dispatcher{
		Log:          log,
		spooler:      s,
		alive:        alive.NewAlive(),
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// Submit selects a printer in idle/accepting state; with none available
// it fails right away instead of queueing against a busy device.
func (d *Dispatcher) Submit(documentPath string, copies int, media string) (JobHandle, error) {
	printers, err := d.spooler.Printers()
	if err != nil {
		return JobHandle{}, errors.Annotate(err, modName)
	}
	target := ""
	for _, p := range printers {
		if p.Idle && p.Accepting {
			target = p.Name
			break
		}
	}
	if target == "" {
		return JobHandle{}, errors.Annotatef(ErrNoPrinterAvailable, "discovered=%d", len(printers))
	}
	id, err := d.spooler.Submit(target, documentPath, copies, media)
	if err != nil {
		return JobHandle{}, errors.Annotate(err, modName)
	}
	h := JobHandle{ID: id, Printer: target}
	d.Log.Infof("%s submitted %s doc=%s copies=%d", modName, h.String(), documentPath, copies)
	return h, nil
}

// AwaitOutcome polls job status until terminal state or timeout and sends
// exactly one Event to out. Runs on its own goroutine, returns immediately.
func (d *Dispatcher) AwaitOutcome(h JobHandle, out chan<- Event) {
	d.alive.Add(1)
	go d.pollOutcome(h, out)
}

// Stop aborts in-flight polling; pending jobs resolve as Failed so the
// caller can still settle the ledger.
func (d *Dispatcher) Stop() {
	d.alive.Stop()
	d.alive.Wait()
}

func (d *Dispatcher) pollOutcome(h JobHandle, out chan<- Event) {
	defer d.alive.Done()
	deadline := time.Now().Add(d.timeout)
	for {
		select {
		case <-time.After(d.pollInterval):
		case <-d.alive.StopChan():
			d.Log.Errorf("%s stopped while %s in flight, forced fail", modName, h.String())
			out <- Event{Handle: h, Outcome: OutcomeFailed, Err: errors.Errorf("dispatcher stopped")}
			return
		}

		if time.Now().After(deadline) {
			d.Log.Errorf("%s %s timeout=%v", modName, h.String(), d.timeout)
			out <- Event{Handle: h, Outcome: OutcomeFailed, Err: ErrSpoolerTimeout}
			return
		}

		active, err := d.spooler.JobActive(h)
		if err != nil {
			// transient spooler error, keep polling until deadline
			d.Log.Errorf("%s %s active err=%v", modName, h.String(), err)
			continue
		}
		if active {
			continue
		}

		ok, err := d.spooler.JobCompletedOK(h)
		if err != nil {
			d.Log.Errorf("%s %s classify err=%v", modName, h.String(), err)
			out <- Event{Handle: h, Outcome: OutcomeFailed, Err: err}
			return
		}
		outcome := OutcomeFailed
		if ok {
			outcome = OutcomeSuccess
		}
		d.Log.Infof("%s %s done outcome=%s", modName, h.String(), outcome.String())
		out <- Event{Handle: h, Outcome: outcome}
		return
	}
}
