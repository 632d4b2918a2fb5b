package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printpay/kiosk/currency"
	"github.com/printpay/kiosk/log2"
)

const configFull = `
hardware {
  coin {
    pin_chip = "/dev/gpiochip0"
    pin = 17
    debounce_ms = 30
    nominal = 1
  }
}
money {
  scale = 100
  refund_on_fail = true
}
spooler {
  host = "192.168.1.5"
  media = "iso_a4_210x297mm"
  poll_sec = 5
  timeout_sec = 60
}
paper { low_threshold = 20 }
persist { root = "/home/kiosk/db" }
tele {
  enable = true
  kiosk_id = 3
  broker = "tls://tele.example.com:8883"
}
`

func TestParseFull(t *testing.T) {
	t.Parallel()
	c, err := ParseConfig(log2.NewTest(t, log2.LDebug), []byte(configFull))
	require.NoError(t, err)
	assert.Equal(t, "/dev/gpiochip0", c.Hardware.Coin.PinChip)
	assert.Equal(t, uint32(17), c.Hardware.Coin.Pin)
	assert.Equal(t, 30*time.Millisecond, c.CoinDebounce())
	assert.Equal(t, currency.Nominal(100), c.CoinNominal())
	assert.True(t, c.Money.RefundOnFail)
	assert.Equal(t, "192.168.1.5", c.Spooler.Host)
	assert.Equal(t, 631, c.Spooler.Port)
	assert.Equal(t, 5*time.Second, c.SpoolerPoll())
	assert.Equal(t, time.Minute, c.SpoolerTimeout())
	assert.Equal(t, 20, c.Paper.LowThreshold)
	assert.True(t, c.Tele.Enabled)
	assert.Equal(t, 3, c.Tele.KioskId)
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()
	c, err := ParseConfig(log2.NewTest(t, log2.LDebug), []byte(``))
	require.NoError(t, err)
	assert.Equal(t, 100, c.Money.Scale)
	assert.Equal(t, "localhost", c.Spooler.Host)
	assert.Equal(t, 631, c.Spooler.Port)
	assert.Equal(t, 50*time.Millisecond, c.CoinDebounce())
	assert.Equal(t, 3*time.Second, c.SpoolerPoll())
	assert.Equal(t, 2*time.Minute, c.SpoolerTimeout())
	assert.False(t, c.Money.RefundOnFail)
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	_, err := ParseConfig(log2.NewTest(t, log2.LDebug), []byte(`money { scale = `))
	require.Error(t, err)
}
