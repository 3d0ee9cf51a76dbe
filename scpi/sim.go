package scpi

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.jpl.nasa.gov/bdube/iqcal/comm"
)

// Sim is an in-memory SCPI instrument for exercising drivers without a bench.
// Each line it receives is split on ';' into commands; the answers to the
// queries among them are joined by ';' into one response line.
type Sim struct {
	// Handle answers a query, e.g. "FREQ?".  It is also called for settings,
	// whose return value is ignored.
	Handle func(cmd string) string

	mu       sync.Mutex
	commands []string
	errs     []string
}

// Maker returns a CreationFunc that connects to the simulator
func (s *Sim) Maker() comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go s.serve(server)
		return client, nil
	}
}

// NewPool is a pool of one connection to the simulator
func (s *Sim) NewPool() *comm.Pool {
	return comm.NewPool(1, time.Second, s.Maker())
}

// PushError queues an entry for the next SYSTem:ERRor? query
func (s *Sim) PushError(e string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, e)
}

// Commands returns every command received so far, excluding the *CLS and
// error queries of handshaking
func (s *Sim) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Last returns the most recent command, or "" if none was received
func (s *Sim) Last() string {
	cmds := s.Commands()
	if len(cmds) == 0 {
		return ""
	}
	return cmds[len(cmds)-1]
}

func (s *Sim) popError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return `+0,"No error"`
	}
	e := s.errs[0]
	s.errs = s.errs[1:]
	return e
}

func (s *Sim) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		var replies []string
		for _, cmd := range strings.Split(strings.TrimSpace(line), ";") {
			cmd = strings.TrimSpace(cmd)
			switch {
			case cmd == "":
				continue
			case cmd == "*CLS":
				continue
			case strings.EqualFold(strings.TrimPrefix(cmd, ":"), "SYSTem:ERRor?"):
				replies = append(replies, s.popError())
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, cmd)
			s.mu.Unlock()
			var reply string
			if s.Handle != nil {
				reply = s.Handle(cmd)
			}
			if strings.Contains(cmd, "?") {
				replies = append(replies, reply)
			}
		}
		if len(replies) > 0 {
			if _, err = io.WriteString(conn, strings.Join(replies, ";")+"\n"); err != nil {
				return
			}
		}
	}
}
