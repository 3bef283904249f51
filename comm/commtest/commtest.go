/*Package commtest provides an in-memory instrument for testing drivers
built on comm.RemoteDevice, in the spirit of net/http/httptest.

A Handler answers each command line the driver sends.  The Recorder keeps
every line received, in order, so tests can assert on the exact command
traffic.
*/
package commtest

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/lcdlab/sponexp/comm"
)

// Handler answers one command.  When ok is false nothing is sent back.
type Handler func(cmd string) (resp string, ok bool)

// Recorder holds the commands an instrument received
type Recorder struct {
	mu   sync.Mutex
	cmds []string
}

func (r *Recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, s)
}

// Commands returns a copy of every command received so far
func (r *Recorder) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cmds...)
}

// Last returns the most recent command, or "" if there was none
func (r *Recorder) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cmds) == 0 {
		return ""
	}
	return r.cmds[len(r.cmds)-1]
}

// Reset forgets the commands received so far
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = nil
}

// Dial returns a DialFunc for a line oriented instrument.  term.Tx is the
// terminator the driver sends (and the instrument splits on), term.Rx is
// appended to each response.
func Dial(term comm.Terminators, h Handler) (comm.DialFunc, *Recorder) {
	rec := &Recorder{}
	dial := func() (io.ReadWriteCloser, error) {
		host, inst := net.Pipe()
		go serve(inst, term, h, rec)
		return host, nil
	}
	return dial, rec
}

func serve(c net.Conn, term comm.Terminators, h Handler, rec *Recorder) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadBytes(term.Tx)
		if err != nil {
			return
		}
		cmd := string(line[:len(line)-1])
		rec.add(cmd)
		resp, ok := h(cmd)
		if !ok {
			continue
		}
		if _, err := c.Write(append([]byte(resp), term.Rx)); err != nil {
			return
		}
	}
}

// Options returns the comm options for a RemoteDevice talking to the fake
func Options(term comm.Terminators, h Handler) ([]comm.Option, *Recorder) {
	dial, rec := Dial(term, h)
	return []comm.Option{comm.WithTerminators(term.Tx, term.Rx), comm.WithDialer(dial)}, rec
}
