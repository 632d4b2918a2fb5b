// Package coin reads a pulse-type coin acceptor wired to a GPIO line.
// The acceptor asserts the line once per coin; debounce turns noisy edges
// into discrete credit events.
package coin

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	gpio "github.com/temoto/gpio-cdev-go"

	"github.com/printpay/kiosk/currency"
	"github.com/printpay/kiosk/log2"
)

const modName = "hardware/coin"

// Wait slice short enough for prompt Stop(), long enough to not spin.
const waitTimeout = 100 * time.Millisecond

var ErrDeviceUnavailable = errors.New("coin acceptor device unavailable")

type Config struct {
	PinChip  string
	Pin      uint32
	Debounce time.Duration
	Nominal  currency.Nominal
}

// Event carries the new accrued total after one accepted coin.
type Event struct {
	Created time.Time
	Total   currency.Amount
}

// PulseAcceptor owns the GPIO line for exactly one session at a time.
type PulseAcceptor struct {
	Log *log2.Log

	config    Config
	alive     *alive.Alive
	chip      gpio.Chiper
	line      gpio.Eventer
	closeOnce sync.Once

	lk    sync.Mutex
	total currency.Amount
}

// New opens the hardware. A missing or broken chip fails here with
// ErrDeviceUnavailable; transient read errors later do not.
func New(c Config, log *log2.Log) (*PulseAcceptor, error) {
	chip, err := gpio.Open(c.PinChip, modName)
	if err != nil {
		return nil, errors.Annotatef(ErrDeviceUnavailable, "chip=%s: %v", c.PinChip, err)
	}
	line, err := chip.GetLineEvent(c.Pin, 0, gpio.GPIOEVENT_REQUEST_FALLING_EDGE, modName)
	if err != nil {
		chip.Close()
		return nil, errors.Annotatef(ErrDeviceUnavailable, "chip=%s line=%d: %v", c.PinChip, c.Pin, err)
	}
	return newWithLine(c, chip, line, log), nil
}

func newWithLine(c Config, chip gpio.Chiper, line gpio.Eventer, log *log2.Log) *PulseAcceptor {
	if c.Debounce <= 0 {
		c.Debounce = 50 * time.Millisecond
	}
	if c.Nominal == 0 {
		c.Nominal = 1
	}
	return &PulseAcceptor{
		Log:    log,
		config: c,
		alive:  alive.NewAlive(),
		chip:   chip,
		line:   line,
	}
}

// Start begins polling on its own goroutine and returns immediately.
// Events are delivered in strict increasing order of total.
func (pa *PulseAcceptor) Start(initial currency.Amount, out chan<- Event) {
	pa.lk.Lock()
	pa.total = initial
	pa.lk.Unlock()
	pa.alive.Add(1)
	go pa.pollLoop(out)
}

func (pa *PulseAcceptor) Total() currency.Amount {
	pa.lk.Lock()
	defer pa.lk.Unlock()
	return pa.total
}

// Stop terminates polling and releases the line handle exactly once.
// Safe to call again after stop, and safe against a racing pulse.
func (pa *PulseAcceptor) Stop() {
	pa.alive.Stop()
	pa.alive.Wait()
	pa.closeOnce.Do(func() {
		if pa.line != nil {
			if err := pa.line.Close(); err != nil {
				pa.Log.Errorf("%s line close err=%v", modName, err)
			}
		}
		if pa.chip != nil {
			if err := pa.chip.Close(); err != nil {
				pa.Log.Errorf("%s chip close err=%v", modName, err)
			}
		}
	})
}

func (pa *PulseAcceptor) pollLoop(out chan<- Event) {
	defer pa.alive.Done()
	var lastPulse time.Time
	for pa.alive.IsRunning() {
		edge, err := pa.line.Wait(waitTimeout)
		if err != nil {
			if gpio.IsTimeout(err) {
				continue
			}
			// transient hardware read error, keep polling
			pa.Log.Errorf("%s wait err=%v", modName, err)
			time.Sleep(waitTimeout)
			continue
		}
		if edge.ID != gpio.GPIOEVENT_EVENT_FALLING_EDGE {
			continue
		}
		now := time.Now()
		if !lastPulse.IsZero() && now.Sub(lastPulse) < pa.config.Debounce {
			continue
		}
		lastPulse = now

		pa.lk.Lock()
		pa.total = pa.total.Add(pa.config.Nominal)
		total := pa.total
		pa.lk.Unlock()
		pa.Log.Debugf("%s pulse total=%s", modName, total.Format100I())

		select {
		case out <- Event{Created: now, Total: total}:
		case <-pa.alive.StopChan():
			return
		}
	}
}
