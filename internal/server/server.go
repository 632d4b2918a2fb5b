// Package server is the local control surface of the kiosk daemon. The
// presentation layer (GUI process) connects over a unix socket, starts a
// session and drives it with JSON lines; session events stream back on
// the same connection.
//
// Client to server, one object per line:
//
//	{"op":"start","form_name":...,"document_path":...,"copies":N,"pages_per_copy":N,"media":...}
//	{"op":"confirm"} {"op":"print"} {"op":"cancel"}
//
// Server to client:
//
//	{"event":"state","state":"Accruing"}
//	{"event":"credit","amount":500}
//	{"event":"settled","result":"Success"}
//	{"event":"error","error":"..."}
//	{"event":"stop"}  (daemon is shutting down, connection closes next)
package server

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/printpay/kiosk/internal/session"
	"github.com/printpay/kiosk/internal/types"
	"github.com/printpay/kiosk/log2"
)

const modName = "server"

var ErrBusy = errors.New("another session is running")

// Session is the part of a payment session the client may drive.
type Session interface {
	Start()
	Confirm() error
	Print() error
	Cancel() error
	Done() <-chan struct{}
}

// SessionFactory builds a session wired to real hardware. Events the
// session emits during its life go to the supplied channel.
type SessionFactory func(c session.Config, events chan<- types.Event) (Session, error)

type Command struct {
	Op           string `json:"op"`
	FormName     string `json:"form_name,omitempty"`
	DocumentPath string `json:"document_path,omitempty"`
	Media        string `json:"media,omitempty"`
	Copies       int32  `json:"copies,omitempty"`
	PagesPerCopy int32  `json:"pages_per_copy,omitempty"`
}

type Reply struct {
	Event  string `json:"event"`
	State  string `json:"state,omitempty"`
	Amount uint32 `json:"amount,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Server struct {
	log     *log2.Log
	factory SessionFactory
	lis     net.Listener
	alive   *alive.Alive

	lk    sync.Mutex
	busy  bool
	conns map[net.Conn]*sync.Mutex
}

// New binds the unix socket, replacing a stale one from a previous run.
func New(socketPath string, factory SessionFactory, log *log2.Log) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Annotatef(err, "%s socket=%s", modName, socketPath)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Annotatef(err, "%s listen=%s", modName, socketPath)
	}
	s := &Server{
		log:     log,
		factory: factory,
		lis:     lis,
		alive:   alive.NewAlive(),
		conns:   make(map[net.Conn]*sync.Mutex),
	}
	s.alive.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

// Stop closes the listener and every client connection. Clients get a
// stop event first, then their handlers unwind, cancelling unfinished
// sessions on the way out.
func (s *Server) Stop() {
	s.alive.Stop()
	s.lis.Close()
	s.lk.Lock()
	open := make(map[net.Conn]*sync.Mutex, len(s.conns))
	for conn, w := range s.conns {
		open[conn] = w
	}
	s.lk.Unlock()
	for conn, w := range open {
		s.send(conn, w, replyFrom(types.Event{Created: time.Now(), Kind: types.EventStop}))
		conn.Close()
	}
	s.alive.Wait()
}

func (s *Server) acceptLoop() {
	defer s.alive.Done()
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if !s.alive.IsRunning() {
				return
			}
			s.log.Errorf("%s accept err=%v", modName, err)
			continue
		}
		if !s.alive.Add(1) {
			conn.Close()
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.alive.Done()
	defer conn.Close()

	var w sync.Mutex // one writer at a time: command replies and the event forwarder
	s.lk.Lock()
	s.conns[conn] = &w
	s.lk.Unlock()
	defer func() {
		s.lk.Lock()
		delete(s.conns, conn)
		s.lk.Unlock()
	}()
	// Stop may have snapshotted s.conns before this registration
	if !s.alive.IsRunning() {
		return
	}

	var cur Session
	fin := make(chan struct{})
	close(fin) // no session yet

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			s.send(conn, &w, Reply{Event: "error", Error: "parse: " + err.Error()})
			continue
		}

		var err error
		switch cmd.Op {
		case "start":
			select {
			case <-fin:
			default:
				err = errors.Errorf("session already started on this connection")
			}
			if err == nil {
				var ns Session
				var nf chan struct{}
				if ns, nf, err = s.startSession(conn, &w, cmd); err == nil {
					cur, fin = ns, nf
				}
			}
		case "confirm":
			err = s.drive(cur, fin, Session.Confirm)
		case "print":
			err = s.drive(cur, fin, Session.Print)
		case "cancel":
			err = s.drive(cur, fin, Session.Cancel)
		default:
			err = errors.Errorf("unknown op=%s", cmd.Op)
		}
		if err != nil {
			s.send(conn, &w, Reply{Event: "error", Error: err.Error()})
		}
	}

	// client is gone; an unfinished session must not keep taking coins
	select {
	case <-fin:
	default:
		if cerr := cur.Cancel(); cerr != nil {
			s.log.Infof("%s conn lost, session will settle err=%v", modName, cerr)
		}
		<-fin
	}
}

func (s *Server) drive(cur Session, fin chan struct{}, f func(Session) error) error {
	if cur == nil {
		return errors.New("no session")
	}
	select {
	case <-fin:
		return errors.New("session is over")
	default:
	}
	return f(cur)
}

func (s *Server) startSession(conn net.Conn, w *sync.Mutex, cmd Command) (Session, chan struct{}, error) {
	s.lk.Lock()
	if s.busy {
		s.lk.Unlock()
		return nil, nil, ErrBusy
	}
	s.busy = true
	s.lk.Unlock()

	if !s.alive.Add(1) {
		s.lk.Lock()
		s.busy = false
		s.lk.Unlock()
		return nil, nil, errors.New("shutting down")
	}

	events := make(chan types.Event, 32)
	sess, err := s.factory(session.Config{
		FormName:     cmd.FormName,
		DocumentPath: cmd.DocumentPath,
		Media:        cmd.Media,
		Copies:       cmd.Copies,
		PagesPerCopy: cmd.PagesPerCopy,
	}, events)
	if err != nil {
		s.alive.Done()
		s.lk.Lock()
		s.busy = false
		s.lk.Unlock()
		return nil, nil, err
	}

	s.log.Infof("%s session form=%s copies=%d", modName, cmd.FormName, cmd.Copies)
	fin := make(chan struct{})
	go s.forward(conn, w, events, sess.Done(), fin)
	sess.Start()
	return sess, fin, nil
}

// forward streams session events to the client until the session is
// terminal, then releases the busy slot.
func (s *Server) forward(conn net.Conn, w *sync.Mutex, events <-chan types.Event, done <-chan struct{}, fin chan struct{}) {
	defer s.alive.Done()
	defer close(fin)
	defer func() {
		s.lk.Lock()
		s.busy = false
		s.lk.Unlock()
	}()
	for {
		select {
		case ev := <-events:
			s.send(conn, w, replyFrom(ev))
		case <-done:
			for {
				select {
				case ev := <-events:
					s.send(conn, w, replyFrom(ev))
				default:
					return
				}
			}
		}
	}
}

func replyFrom(ev types.Event) Reply {
	switch ev.Kind {
	case types.EventCoinCredit:
		return Reply{Event: "credit", Amount: uint32(ev.Amount)}
	case types.EventSessionState:
		return Reply{Event: "state", State: ev.State}
	case types.EventSessionSettled:
		r := Reply{Event: "settled", Result: ev.Result, Amount: uint32(ev.Amount)}
		if ev.Err != nil {
			r.Error = ev.Err.Error()
		}
		return r
	case types.EventStop:
		return Reply{Event: "stop"}
	}
	return Reply{Event: "error", Error: "internal: " + ev.String()}
}

func (s *Server) send(conn net.Conn, w *sync.Mutex, r Reply) {
	b, err := json.Marshal(&r)
	if err != nil {
		s.log.Errorf("%s marshal err=%v", modName, err)
		return
	}
	b = append(b, '\n')
	w.Lock()
	_, err = conn.Write(b)
	w.Unlock()
	if err != nil {
		s.log.Errorf("%s write err=%v", modName, err)
	}
}
