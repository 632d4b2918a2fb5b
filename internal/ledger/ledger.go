// Package ledger is the durable state of one kiosk: the settings singleton
// (price, bondpaper stock, coin balance, admin password) and the append-only
// print history. One Apply/RecordPrintResult call is one transaction: the
// whole state is serialized and written through crash-safe storage in a
// single Write, so partial mutations are never visible, on disk or in memory.
package ledger

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"

	"github.com/printpay/kiosk/currency"
	"github.com/printpay/kiosk/log2"
)

var (
	ErrPersistence   = errors.New("ledger persistence")
	ErrStockNegative = errors.New("bondpaper stock can not go negative")
)

type Result uint8

const (
	ResultInvalid Result = iota
	ResultSuccess
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultFailed:
		return "Failed"
	}
	return "Invalid"
}

// Settings is the persisted singleton, provisioned once, never deleted.
type Settings struct {
	BasePrice         currency.Amount `json:"base_price"`
	BondpaperQuantity int32           `json:"bondpaper_quantity"`
	CoinsLeft         currency.Amount `json:"coins_left"`
	AdminPassword     string          `json:"admin_password"`
}

// PrintJobRecord is immutable after insert.
type PrintJobRecord struct {
	Time        time.Time       `json:"time"`
	FormName    string          `json:"form_name"`
	Copies      int32           `json:"copies"`
	TotalAmount currency.Amount `json:"total_amount"`
	Result      Result          `json:"result"`
}

// Delta describes one atomic settings mutation. Nil pointer fields are
// left untouched; BondpaperAdd is a signed sheet count.
type Delta struct {
	BasePrice     *currency.Amount
	CoinsSet      *currency.Amount
	AdminPassword *string
	BondpaperAdd  int32
}

func (d *Delta) empty() bool {
	return d == nil ||
		(d.BasePrice == nil && d.CoinsSet == nil && d.AdminPassword == nil && d.BondpaperAdd == 0)
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

type ledgerState struct {
	Settings Settings         `json:"settings"`
	History  []PrintJobRecord `json:"history"`
}

// Store is the single writer of persisted kiosk state.
type Store struct {
	mu      sync.Mutex
	log     *log2.Log
	storage storage
	state   ledgerState
}

var defaultSettings = Settings{
	BasePrice:         300, // 3.00 per page until the operator sets a price
	BondpaperQuantity: 0,
	CoinsLeft:         0,
	AdminPassword:     "123456",
}

// Open reads the ledger from dir, provisioning defaults on first run.
func Open(dir string, log *log2.Log) (*Store, error) {
	st := extremofile.New(extremofile.Config{
		Dir:      dir,
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return open(st, log)
}

func open(st storage, log *log2.Log) (*Store, error) {
	s := &Store{log: log, storage: st}
	b, err := st.Read()
	if b == nil {
		if err != nil && extremofile.IsCritical(err) {
			return nil, errors.Annotate(err, "ledger read")
		}
		// first run
		s.state = ledgerState{Settings: defaultSettings}
		if err = s.locked_write(); err != nil {
			return nil, errors.Annotate(err, "ledger provision")
		}
		log.Infof("ledger provisioned defaults price=%s", s.state.Settings.BasePrice.Format100I())
		return s, nil
	}
	if err != nil {
		// storage recovered from backup copy, not fatal
		log.Errorf("ledger ignore non-critical storage err=%v", err)
	}
	if err = json.Unmarshal(b, &s.state); err != nil {
		return nil, errors.Annotate(err, "ledger parse")
	}
	return s, nil
}

func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Settings
}

// Apply executes the delta as one transaction. On any failure the prior
// state remains, in memory and on disk.
func (s *Store) Apply(d Delta) error {
	if d.empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked_apply(d)
}

// RecordPrintResult appends one history row and applies the settlement
// delta in the same transaction.
func (s *Store) RecordPrintResult(rec PrintJobRecord, d Delta) error {
	if rec.Result != ResultSuccess && rec.Result != ResultFailed {
		return errors.Errorf("ledger record result=%d invalid", rec.Result)
	}
	if rec.Copies <= 0 {
		return errors.Errorf("ledger record copies=%d invalid", rec.Copies)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.History = append(s.state.History, rec)
	if err := s.locked_apply(d); err != nil {
		s.state.History = s.state.History[:len(s.state.History)-1]
		return err
	}
	return nil
}

// History returns up to limit most recent records, newest last.
// limit <= 0 means all.
func (s *Store) History(limit int) []PrintJobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.state.History)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]PrintJobRecord, n)
	copy(out, s.state.History[len(s.state.History)-n:])
	return out
}

func (s *Store) locked_apply(d Delta) error {
	prior := s.state.Settings
	next := prior
	if d.BasePrice != nil {
		next.BasePrice = *d.BasePrice
	}
	if d.CoinsSet != nil {
		next.CoinsLeft = *d.CoinsSet
	}
	if d.AdminPassword != nil {
		next.AdminPassword = *d.AdminPassword
	}
	if d.BondpaperAdd != 0 {
		q := next.BondpaperQuantity + d.BondpaperAdd
		if q < 0 {
			return errors.Annotatef(ErrStockNegative, "have=%d add=%d", next.BondpaperQuantity, d.BondpaperAdd)
		}
		next.BondpaperQuantity = q
	}
	s.state.Settings = next
	if err := s.locked_write(); err != nil {
		s.state.Settings = prior
		return err
	}
	return nil
}

func (s *Store) locked_write() error {
	b, err := json.Marshal(&s.state)
	if err != nil {
		return errors.Annotatef(ErrPersistence, "marshal: %v", err)
	}
	tbegin := time.Now()
	if _, err = s.storage.Write(b); err != nil {
		return errors.Annotatef(ErrPersistence, "write: %v", err)
	}
	s.log.Debugf("ledger write bytes=%d duration=%v", len(b), time.Since(tbegin))
	return nil
}
