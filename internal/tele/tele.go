package tele

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/spq"

	"github.com/printpay/kiosk/log2"
)

const (
	defaultStateInterval  = 5 * time.Minute
	DefaultNetworkTimeout = 30 * time.Second
)

// first byte of a queued item denotes payload type
const (
	qPrint byte = 1
	qError byte = 2
	qStock byte = 3
)

type tele struct { //nolint:maligned
	config       Config
	log          *log2.Log
	transport    Transporter
	q            *spq.Queue
	stopCh       chan struct{}
	currentState State
}

func New() Teler { return &tele{} }

// NewWithTransporter is the test seam; production path dials MQTT.
func NewWithTransporter(trans Transporter) Teler { return &tele{transport: trans} }

func (t *tele) Init(ctx context.Context, log *log2.Log, c Config) error {
	t.config = c
	t.log = log
	if t.config.LogDebug {
		t.log.SetLevel(log2.LDebug)
	}
	t.stopCh = make(chan struct{})

	if !t.config.Enabled {
		return nil
	}
	if t.transport == nil { // production path
		t.transport = &transportMqtt{}
	}
	if err := t.transport.Init(ctx, log, t.config); err != nil {
		return errors.Annotate(err, "tele transport")
	}

	if t.config.PersistPath == "" {
		panic("code error must set tele config PersistPath")
	}
	var err error
	t.q, err = spq.Open(t.config.PersistPath)
	if err != nil {
		return errors.Annotate(err, "tele queue")
	}

	go t.qworker()
	go t.stateWorker()
	t.State(State_Boot)
	return nil
}

func (t *tele) Close() {
	close(t.stopCh)
	if t.q != nil {
		t.q.Close()
	}
	if t.transport != nil {
		t.transport.CloseTele()
	}
}

func (t *tele) State(s State) {
	if !t.config.Enabled {
		return
	}
	t.currentState = s
	t.sendState()
}

func (t *tele) PrintResult(p PrintTelemetry) {
	p.KioskId = t.config.KioskId
	t.push(qPrint, &p)
}

func (t *tele) Error(e error) {
	if e == nil {
		return
	}
	t.push(qError, &ErrorTelemetry{
		KioskId: t.config.KioskId,
		Time:    time.Now(),
		Text:    errors.ErrorStack(e),
	})
}

func (t *tele) StockLow(bondpaper int32) {
	t.push(qStock, &StockTelemetry{
		KioskId:   t.config.KioskId,
		Time:      time.Now(),
		Bondpaper: bondpaper,
	})
}

func (t *tele) push(kind byte, payload interface{}) {
	if !t.config.Enabled || t.q == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		t.log.Errorf("tele marshal kind=%d err=%v", kind, err)
		return
	}
	if err = t.q.Push(append([]byte{kind}, b...)); err != nil {
		t.log.Errorf("tele push kind=%d err=%v", kind, err)
	}
}

func (t *tele) sendState() {
	b, err := json.Marshal(struct {
		KioskId int32  `json:"kiosk_id"`
		State   string `json:"state"`
	}{t.config.KioskId, t.currentState.String()})
	if err != nil {
		panic("code error tele state marshal")
	}
	if !t.transport.SendState(b) {
		t.log.Debugf("tele state=%s lost", t.currentState.String())
	}
}

func (t *tele) stateWorker() {
	interval := defaultStateInterval
	if t.config.StateIntervalSec > 0 {
		interval = time.Duration(t.config.StateIntervalSec) * time.Second
	}
	for {
		select {
		case <-t.stopCh:
			return
		case <-time.After(interval):
			t.sendState()
		}
	}
}

// qworker drains the persistent queue into the transport. Undelivered
// items go back to the queue, surviving restarts.
func (t *tele) qworker() {
	for {
		box, err := t.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			delivered := t.qhandle(b)
			if delivered {
				err = t.q.Delete(box)
			} else {
				err = t.q.DeletePush(box)
			}
			if err != nil {
				t.log.Errorf("tele qworker requeue b=%x err=%v", b, err)
			}

		case spq.ErrClosed:
			select {
			case <-t.stopCh: // success path
			default:
				t.log.Errorf("CRITICAL tele queue closed unexpectedly")
			}
			return

		default:
			t.log.Errorf("CRITICAL tele queue err=%v", err)
			// yet unhandled issues like disk full
			time.Sleep(time.Second)
		}
	}
}

func (t *tele) qhandle(b []byte) bool {
	if len(b) < 2 {
		t.log.Errorf("tele queue item too short b=%x", b)
		// only thing left is to drop it
		return true
	}
	switch b[0] {
	case qPrint, qError, qStock:
		return t.transport.SendTelemetry(b[1:])
	default:
		t.log.Errorf("tele queue unknown kind=%d", b[0])
		return true
	}
}
