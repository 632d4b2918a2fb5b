package state

import (
	"io/ioutil"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/printpay/kiosk/currency"
	"github.com/printpay/kiosk/log2"
)

type Config struct { //nolint:maligned
	Hardware struct {
		Coin struct {
			PinChip    string `hcl:"pin_chip"`
			Pin        uint32 `hcl:"pin"`
			DebounceMs int    `hcl:"debounce_ms"`
			Nominal    int    `hcl:"nominal"` // value of one pulse, in money.scale units
		} `hcl:"coin"`
	} `hcl:"hardware"`

	Money struct {
		Scale        int  `hcl:"scale"`
		RefundOnFail bool `hcl:"refund_on_fail"`
	} `hcl:"money"`

	Spooler struct {
		Host       string `hcl:"host"`
		Port       int    `hcl:"port"`
		User       string `hcl:"user"`
		Password   string `hcl:"password"`
		TLS        bool   `hcl:"tls"`
		Media      string `hcl:"media"`
		PollSec    int    `hcl:"poll_sec"`
		TimeoutSec int    `hcl:"timeout_sec"`
	} `hcl:"spooler"`

	Paper struct {
		LowThreshold int `hcl:"low_threshold"`
	} `hcl:"paper"`

	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	Server struct {
		Socket string `hcl:"socket"`
	} `hcl:"server"`

	Tele TeleConfig `hcl:"tele"`

	_copy_guard sync.Mutex //nolint:unused
}

type TeleConfig struct { //nolint:maligned
	Enabled          bool   `hcl:"enable"`
	KioskId          int    `hcl:"kiosk_id"`
	Broker           string `hcl:"broker"`
	MqttPassword     string `hcl:"mqtt_password"`
	PersistPath      string `hcl:"persist_path"`
	KeepaliveSec     int    `hcl:"keepalive_sec"`
	StateIntervalSec int    `hcl:"state_interval_sec"`
	LogDebug         bool   `hcl:"log_debug"`
	NetworkTimeoutSec int   `hcl:"network_timeout_sec"`
}

const (
	defaultScale          = 100
	defaultDebounce       = 50 * time.Millisecond
	defaultSpoolerPoll    = 3 * time.Second
	defaultSpoolerTimeout = 2 * time.Minute
)

// ScaleI converts config/UI money units to Amount.
func (c *Config) ScaleI(i int) currency.Amount {
	return currency.Amount(i) * currency.Amount(c.Money.Scale)
}

func (c *Config) CoinDebounce() time.Duration {
	if c.Hardware.Coin.DebounceMs <= 0 {
		return defaultDebounce
	}
	return time.Duration(c.Hardware.Coin.DebounceMs) * time.Millisecond
}

func (c *Config) CoinNominal() currency.Nominal {
	n := c.Hardware.Coin.Nominal
	if n <= 0 {
		n = 1
	}
	return currency.Nominal(c.ScaleI(n))
}

func (c *Config) SpoolerPoll() time.Duration {
	if c.Spooler.PollSec <= 0 {
		return defaultSpoolerPoll
	}
	return time.Duration(c.Spooler.PollSec) * time.Second
}

func (c *Config) SpoolerTimeout() time.Duration {
	if c.Spooler.TimeoutSec <= 0 {
		return defaultSpoolerTimeout
	}
	return time.Duration(c.Spooler.TimeoutSec) * time.Second
}

func (c *Config) normalize() {
	if c.Money.Scale == 0 {
		c.Money.Scale = defaultScale
	}
	if c.Spooler.Port == 0 {
		c.Spooler.Port = 631
	}
	if c.Spooler.Host == "" {
		c.Spooler.Host = "localhost"
	}
}

func ReadConfig(log *log2.Log, path string) (*Config, error) {
	bs, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config path=%s", path)
	}
	return ParseConfig(log, bs)
}

func ParseConfig(log *log2.Log, bs []byte) (*Config, error) {
	c := &Config{}
	if err := hcl.Unmarshal(bs, c); err != nil {
		return nil, errors.Annotatef(err, "config unmarshal content='%s'", string(bs))
	}
	c.normalize()
	log.Debugf("config parsed money.scale=%d coin.nominal=%d", c.Money.Scale, c.Hardware.Coin.Nominal)
	return c, nil
}

func MustReadConfig(log *log2.Log, path string) *Config {
	c, err := ReadConfig(log, path)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
