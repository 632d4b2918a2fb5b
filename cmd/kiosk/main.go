// Kiosk daemon: payment and print session engine. The presentation layer
// (GUI process) drives sessions over the control socket; this binary wires
// coin hardware, ledger, spooler and telemetry together and keeps them alive.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/printpay/kiosk/internal/hardware/coin"
	"github.com/printpay/kiosk/internal/server"
	"github.com/printpay/kiosk/internal/session"
	"github.com/printpay/kiosk/internal/spool"
	"github.com/printpay/kiosk/internal/state"
	"github.com/printpay/kiosk/internal/tele"
	"github.com/printpay/kiosk/internal/types"
	"github.com/printpay/kiosk/log2"
)

var BuildVersion string = "unknown" // set by ldflags

func main() {
	flagConfig := flag.String("config", "kiosk.hcl", "")
	flagVersion := flag.Bool("version", false, "print build version and exit")
	flag.Parse()
	if *flagVersion {
		log.Printf("kiosk version=%s", BuildVersion)
		return
	}

	logger := log2.NewStderr(log2.LDebug)
	if sdnotify(logger, "start") {
		// under systemd assume journal logging, remove timestamp
		logger.SetFlags(log2.LServiceFlags)
	} else {
		logger.SetFlags(log2.LInteractiveFlags)
	}
	logger.Infof("kiosk start version=%s", BuildVersion)

	ctx, g := state.NewContext(logger)
	g.BuildVersion = BuildVersion
	cfg := state.MustReadConfig(logger, *flagConfig)
	g.MustInit(ctx, cfg)

	spooler := spool.NewCups(spool.CupsConfig{
		Host:     cfg.Spooler.Host,
		Port:     cfg.Spooler.Port,
		User:     cfg.Spooler.User,
		Password: cfg.Spooler.Password,
		TLS:      cfg.Spooler.TLS,
	}, logger)
	dispatcher := spool.NewDispatcher(spooler, cfg.SpoolerPoll(), cfg.SpoolerTimeout(), logger)

	factory := &sessionFactory{
		g:          g,
		cfg:        cfg,
		dispatcher: dispatcher,
		orch: &session.Orchestrator{
			Ledger:       g.Ledger,
			Tele:         g.Tele,
			Log:          logger,
			RefundOnFail: cfg.Money.RefundOnFail,
			PaperLow:     int32(cfg.Paper.LowThreshold),
		},
	}

	socketPath := cfg.Server.Socket
	if socketPath == "" {
		socketPath = filepath.Join(cfg.Persist.Root, "kiosk.sock")
	}
	srv, err := server.New(socketPath, factory.new, logger)
	if err != nil {
		logger.Fatal(errors.ErrorStack(err))
	}

	sdnotify(logger, daemon.SdNotifyReady)
	g.Tele.State(tele.State_Nominal)
	logger.Infof("init complete, listening on %s", socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("signal=%v stopping", sig)
		g.Alive.Stop()
	case <-g.Alive.StopChan():
	}

	srv.Stop()
	dispatcher.Stop()
	g.StopWait()
	logger.Infof("goodbye")
}

// sessionFactory builds sessions on the real coin hardware. The acceptor
// is opened per session so a wiring fault surfaces to the user at session
// start, not at daemon boot.
type sessionFactory struct {
	g          *state.Global
	cfg        *state.Config
	dispatcher *spool.Dispatcher
	orch       *session.Orchestrator
}

func (f *sessionFactory) new(sc session.Config, events chan<- types.Event) (server.Session, error) {
	acceptor, err := coin.New(coin.Config{
		PinChip:  f.cfg.Hardware.Coin.PinChip,
		Pin:      f.cfg.Hardware.Coin.Pin,
		Debounce: f.cfg.CoinDebounce(),
		Nominal:  f.cfg.CoinNominal(),
	}, f.g.Log)
	if err != nil {
		f.g.Error(errors.Annotate(err, "coin acceptor"))
		return nil, err
	}

	s, err := session.New(sc, acceptor, f.dispatcher, f.orch, events, f.g.Log)
	if err != nil {
		acceptor.Stop()
		f.g.Error(errors.Annotate(err, "session"))
		return nil, err
	}
	f.g.Tele.State(tele.State_Session)
	go func() {
		<-s.Done()
		f.g.Tele.State(tele.State_Nominal)
	}()
	return s, nil
}

func sdnotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
