// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/lcdlab/sponexp/comm"
)

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	RD *comm.RemoteDevice

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

// Error is an entry of the device's error queue
type Error struct {
	Code    int
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("SCPI error %d: %s", e.Code, e.Message)
}

// ParseError decodes a response to SYSTem:ERRor?, e.g. `-113,"Undefined header"`.
// It returns nil for the no-error entry.
func ParseError(s string) error {
	s = strings.TrimSpace(s)
	code, msg := s, ""
	if i := strings.IndexByte(s, ','); i >= 0 {
		code, msg = s[:i], strings.Trim(s[i+1:], `"`)
	}
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("unparseable SCPI error response %q: %w", s, err)
	}
	if n == 0 {
		return nil
	}
	return Error{Code: n, Message: msg}
}

func (s *SCPI) join(cmds []string) string {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	str := s.join(cmds)
	if !s.Handshaking {
		return s.RD.Write([]byte(str))
	}
	resp, err := s.RD.Query([]byte(str))
	if err != nil {
		return err
	}
	return ParseError(string(resp))
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	resp, err := s.RD.Query([]byte(s.join(cmds)))
	if err != nil {
		return resp, err
	}
	if s.Handshaking {
		pieces := bytes.Split(resp, []byte{';'})
		if err := ParseError(string(pieces[len(pieces)-1])); err != nil {
			return resp, err
		}
		return bytes.Join(pieces[:len(pieces)-1], []byte{';'}), nil
	}
	return resp, nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	return strings.TrimRight(string(resp), "\r\n"), err
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadFloats sends a command to the device, then reads a comma separated
// list of floating point values
func (s *SCPI) ReadFloats(cmds ...string) ([]float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return nil, err
	}
	return ParseFloats(resp)
}

// ParseFloats parses a comma separated list of ASCII floats
func ParseFloats(s string) ([]float64, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		resp, err := s.RD.Query([]byte(str))
		return strings.TrimRight(string(resp), "\r\n"), err
	}
	return "", s.RD.Write([]byte(str))
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.Raw("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return ParseError(str)
}

// AllErrors returns all errors from the device as a list.  The queue of
// a SCPI device is bounded, a transport failure also ends the list.
func (s *SCPI) AllErrors() []error {
	var errs []error
	for i := 0; i < 32; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if _, ok := err.(Error); !ok {
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}
