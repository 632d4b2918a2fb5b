// Service engineer console for the kiosk: inspect and mutate the ledger,
// test the print path. Run it with the daemon stopped, both are writers
// of the same ledger directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"

	"github.com/printpay/kiosk/currency"
	"github.com/printpay/kiosk/helpers/cli"
	"github.com/printpay/kiosk/internal/ledger"
	"github.com/printpay/kiosk/internal/spool"
	"github.com/printpay/kiosk/internal/state"
	"github.com/printpay/kiosk/log2"
)

const usage = `commands:
- auth PASSWORD      unlock mutating commands
- status             settings snapshot
- log [N]            recent print history
- price AMOUNT       set base price per sheet, like 3.00
- refill SHEETS      add bondpaper
- collect            zero the coin balance after emptying the cash box
- passwd NEW         change admin password
- testprint PATH [COPIES]  submit a document to the spooler and wait
- help
`

var log = log2.NewStderr(log2.LDebug)

type console struct {
	cfg    *state.Config
	store  *ledger.Store
	authed bool
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "kiosk.hcl", "")
	cmdline.Parse(os.Args[1:])
	log.SetFlags(log2.LInteractiveFlags)

	cfg := state.MustReadConfig(log, *flagConfig)
	if cfg.Persist.Root == "" {
		log.Fatal("config: persist.root is required")
	}
	store, err := ledger.Open(filepath.Join(cfg.Persist.Root, "ledger"), log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	c := &console{cfg: cfg, store: store}
	fmt.Print(usage)
	cli.MainLoop("kiosk-cli", c.exec, c.complete)
}

func (c *console) complete(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		prompt.Suggest{Text: "auth", Description: "unlock mutating commands"},
		prompt.Suggest{Text: "status", Description: "settings snapshot"},
		prompt.Suggest{Text: "log", Description: "recent print history"},
		prompt.Suggest{Text: "price", Description: "set base price per sheet"},
		prompt.Suggest{Text: "refill", Description: "add bondpaper"},
		prompt.Suggest{Text: "collect", Description: "zero the coin balance"},
		prompt.Suggest{Text: "passwd", Description: "change admin password"},
		prompt.Suggest{Text: "testprint", Description: "submit a document, wait for outcome"},
		prompt.Suggest{Text: "help", Description: "show commands"},
	}
	return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
}

func (c *console) exec(line string) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return
	}
	arg := ""
	if len(words) > 1 {
		arg = words[1]
	}

	var err error
	switch words[0] {
	case "help":
		fmt.Print(usage)
	case "auth":
		err = c.auth(arg)
	case "status":
		s := c.store.Settings()
		fmt.Printf("price=%s bondpaper=%d coins=%s\n",
			s.BasePrice.Format100I(), s.BondpaperQuantity, s.CoinsLeft.Format100I())
	case "log":
		limit := 10
		if arg != "" {
			if limit, err = strconv.Atoi(arg); err != nil {
				break
			}
		}
		for _, r := range c.store.History(limit) {
			fmt.Printf("%s form=%s copies=%d amount=%s result=%s\n",
				r.Time.Format("2006-01-02 15:04:05"), r.FormName, r.Copies,
				r.TotalAmount.Format100I(), r.Result.String())
		}
	case "price":
		err = c.mutate(func() error {
			amount, perr := currency.Parse(arg)
			if perr != nil {
				return perr
			}
			return c.store.Apply(ledger.Delta{BasePrice: &amount})
		})
	case "refill":
		err = c.mutate(func() error {
			n, perr := strconv.Atoi(arg)
			if perr != nil {
				return errors.Annotate(perr, "refill SHEETS")
			}
			return c.store.Apply(ledger.Delta{BondpaperAdd: int32(n)})
		})
	case "collect":
		err = c.mutate(func() error {
			before := c.store.Settings().CoinsLeft
			zero := currency.Amount(0)
			if aerr := c.store.Apply(ledger.Delta{CoinsSet: &zero}); aerr != nil {
				return aerr
			}
			fmt.Printf("collected %s\n", before.Format100I())
			return nil
		})
	case "passwd":
		err = c.mutate(func() error {
			if arg == "" {
				return errors.New("passwd NEW")
			}
			return c.store.Apply(ledger.Delta{AdminPassword: &arg})
		})
	case "testprint":
		err = c.testprint(words[1:])
	default:
		err = errors.Errorf("unknown command %s, try help", words[0])
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (c *console) auth(password string) error {
	if password != c.store.Settings().AdminPassword {
		c.authed = false
		return errors.New("wrong password")
	}
	c.authed = true
	fmt.Println("ok")
	return nil
}

func (c *console) mutate(f func() error) error {
	if !c.authed {
		return errors.New("auth first")
	}
	return f()
}

func (c *console) testprint(args []string) error {
	if len(args) < 1 {
		return errors.New("testprint PATH [COPIES]")
	}
	copies := 1
	if len(args) > 1 {
		var err error
		if copies, err = strconv.Atoi(args[1]); err != nil {
			return errors.Annotate(err, "COPIES")
		}
	}

	spooler := spool.NewCups(spool.CupsConfig{
		Host:     c.cfg.Spooler.Host,
		Port:     c.cfg.Spooler.Port,
		User:     c.cfg.Spooler.User,
		Password: c.cfg.Spooler.Password,
		TLS:      c.cfg.Spooler.TLS,
	}, log)
	dispatcher := spool.NewDispatcher(spooler, c.cfg.SpoolerPoll(), c.cfg.SpoolerTimeout(), log)
	defer dispatcher.Stop()

	h, err := dispatcher.Submit(args[0], copies, c.cfg.Spooler.Media)
	if err != nil {
		return err
	}
	fmt.Printf("submitted %s\n", h.String())
	outcome := make(chan spool.Event, 1)
	dispatcher.AwaitOutcome(h, outcome)
	ev := <-outcome
	fmt.Printf("outcome=%s err=%v\n", ev.Outcome.String(), ev.Err)
	return nil
}
