package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/printpay/kiosk/internal/ledger"
	"github.com/printpay/kiosk/internal/tele"
	"github.com/printpay/kiosk/log2"
)

const ContextKey = "run/state-global"

// Global is the root object of one kiosk process: config, durable ledger,
// telemetry and the process lifecycle. Passed through context the same way
// to library code and to cmd/ wiring.
type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Ledger       *ledger.Store
	Log          *log2.Log
	Tele         tele.Teler

	_copy_guard sync.Mutex //nolint:unused
}

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error state.NewContext log=nil")
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.WithValue(context.Background(), ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If Init fails, consider Global is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg

	g.Log.Infof("build version=%s", g.BuildVersion)

	if g.Config.Persist.Root == "" {
		g.Config.Persist.Root = "./tmp-kiosk-db"
		g.Log.Errorf("config: persist.root=empty changed=%s", g.Config.Persist.Root)
	}
	g.Log.Debugf("config: persist.root=%s", g.Config.Persist.Root)

	// Tele is the remote error reporting mechanism, init before anything else.
	if g.Tele == nil {
		g.Tele = tele.New()
	}
	if g.Config.Tele.PersistPath == "" {
		g.Config.Tele.PersistPath = filepath.Join(g.Config.Persist.Root, "tele.spq")
	}
	if err := g.Tele.Init(ctx, g.Log, tele.Config{
		Enabled:           g.Config.Tele.Enabled,
		KioskId:           int32(g.Config.Tele.KioskId),
		Broker:            g.Config.Tele.Broker,
		MqttPassword:      g.Config.Tele.MqttPassword,
		PersistPath:       g.Config.Tele.PersistPath,
		KeepaliveSec:      g.Config.Tele.KeepaliveSec,
		StateIntervalSec:  g.Config.Tele.StateIntervalSec,
		NetworkTimeoutSec: g.Config.Tele.NetworkTimeoutSec,
		LogDebug:          g.Config.Tele.LogDebug,
	}); err != nil {
		return errors.Annotate(err, "tele init")
	}

	if g.Ledger == nil {
		store, err := ledger.Open(filepath.Join(g.Config.Persist.Root, "ledger"), g.Log)
		if err != nil {
			return errors.Annotate(err, "ledger open")
		}
		g.Ledger = store
	}
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	if err := g.Init(ctx, cfg); err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func (g *Global) Error(err error) {
	if err == nil {
		return
	}
	g.Log.Error(errors.ErrorStack(err))
	if g.Tele != nil {
		g.Tele.Error(err)
	}
}

func (g *Global) Stop() { g.Alive.Stop() }

func (g *Global) StopWait() {
	g.Stop()
	g.Alive.Wait()
	if g.Tele != nil {
		g.Tele.Close()
	}
}
