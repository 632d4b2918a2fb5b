package ledger

import (
	"io/ioutil"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printpay/kiosk/currency"
	"github.com/printpay/kiosk/log2"
)

type brokenStorage struct {
	data      []byte
	failWrite bool
}

func (b *brokenStorage) Read() ([]byte, error) { return b.data, nil }
func (b *brokenStorage) Write(p []byte) (int, error) {
	if b.failWrite {
		return 0, errors.New("disk full")
	}
	b.data = append([]byte(nil), p...)
	return len(p), nil
}

func testStore(t testing.TB) (*Store, *brokenStorage) {
	st := &brokenStorage{}
	s, err := open(st, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	return s, st
}

func amountP(a currency.Amount) *currency.Amount { return &a }

func TestProvisionDefaults(t *testing.T) {
	t.Parallel()

	s, st := testStore(t)
	assert.Equal(t, defaultSettings, s.Settings())
	assert.NotEmpty(t, st.data, "provisioning must hit storage")
}

func TestApplyAtomic(t *testing.T) {
	t.Parallel()

	s, st := testStore(t)
	require.NoError(t, s.Apply(Delta{BondpaperAdd: 100, BasePrice: amountP(500)}))
	assert.Equal(t, int32(100), s.Settings().BondpaperQuantity)
	assert.Equal(t, currency.Amount(500), s.Settings().BasePrice)

	// invariant violation rolls back entirely
	err := s.Apply(Delta{BondpaperAdd: -200, CoinsSet: amountP(700)})
	require.Error(t, err)
	assert.Equal(t, int32(100), s.Settings().BondpaperQuantity)
	assert.Equal(t, currency.Amount(0), s.Settings().CoinsLeft)

	// storage failure rolls back entirely
	st.failWrite = true
	err = s.Apply(Delta{BondpaperAdd: -10})
	require.Error(t, err)
	assert.True(t, errors.Cause(err) == ErrPersistence, "err=%v", err)
	assert.Equal(t, int32(100), s.Settings().BondpaperQuantity)
}

func TestRecordPairedWithDelta(t *testing.T) {
	t.Parallel()

	s, st := testStore(t)
	require.NoError(t, s.Apply(Delta{BondpaperAdd: 10}))
	rec := PrintJobRecord{
		Time:        time.Now(),
		FormName:    "barangay-clearance",
		Copies:      3,
		TotalAmount: 1800,
		Result:      ResultSuccess,
	}
	require.NoError(t, s.RecordPrintResult(rec, Delta{BondpaperAdd: -6, CoinsSet: amountP(0)}))
	assert.Equal(t, int32(4), s.Settings().BondpaperQuantity)
	require.Len(t, s.History(0), 1)
	assert.Equal(t, "barangay-clearance", s.History(0)[0].FormName)

	// failed write leaves neither the row nor the delta
	st.failWrite = true
	err := s.RecordPrintResult(rec, Delta{BondpaperAdd: -1})
	require.Error(t, err)
	assert.Len(t, s.History(0), 1)
	assert.Equal(t, int32(4), s.Settings().BondpaperQuantity)
}

func TestRecordValidation(t *testing.T) {
	t.Parallel()

	s, _ := testStore(t)
	assert.Error(t, s.RecordPrintResult(PrintJobRecord{Copies: 0, Result: ResultSuccess}, Delta{}))
	assert.Error(t, s.RecordPrintResult(PrintJobRecord{Copies: 1, Result: ResultInvalid}, Delta{}))
}

func TestHistoryLimit(t *testing.T) {
	t.Parallel()

	s, _ := testStore(t)
	for i := 0; i < 5; i++ {
		rec := PrintJobRecord{Time: time.Now(), FormName: "f", Copies: int32(i + 1), Result: ResultFailed}
		require.NoError(t, s.RecordPrintResult(rec, Delta{}))
	}
	tail := s.History(2)
	require.Len(t, tail, 2)
	assert.Equal(t, int32(4), tail[0].Copies)
	assert.Equal(t, int32(5), tail[1].Copies)
	assert.Len(t, s.History(0), 5)
}

func TestReload(t *testing.T) {
	t.Parallel()

	st := &brokenStorage{}
	log := log2.NewTest(t, log2.LDebug)
	s, err := open(st, log)
	require.NoError(t, err)
	require.NoError(t, s.Apply(Delta{BondpaperAdd: 42, CoinsSet: amountP(100)}))
	rec := PrintJobRecord{Time: time.Now(), FormName: "cedula", Copies: 1, TotalAmount: 300, Result: ResultSuccess}
	require.NoError(t, s.RecordPrintResult(rec, Delta{}))

	s2, err := open(st, log)
	require.NoError(t, err)
	assert.Equal(t, s.Settings(), s2.Settings())
	require.Len(t, s2.History(0), 1)
	assert.Equal(t, "cedula", s2.History(0)[0].FormName)
}

func TestOpenDir(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "kiosk-ledger-test")
	require.NoError(t, err)
	log := log2.NewTest(t, log2.LDebug)
	s, err := Open(dir, log)
	require.NoError(t, err)
	require.NoError(t, s.Apply(Delta{BondpaperAdd: 7}))

	s2, err := Open(dir, log)
	require.NoError(t, err)
	assert.Equal(t, int32(7), s2.Settings().BondpaperQuantity)
}
