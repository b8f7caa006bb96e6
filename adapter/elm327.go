package adapter

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/roffe/goelm"
)

// pollInterval is the serial read timeout; it bounds how often the read
// loop checks the command deadline and the context.
const pollInterval = 10 * time.Millisecond

// ELM327 talks to a real adapter over a serial port. The wire protocol is
// strictly request/response: one CR-terminated command out, everything up to
// the '>' prompt back.
type ELM327 struct {
	cfg  *goelm.AdapterConfig
	log  goelm.Logger
	port serial.Port

	mu     sync.Mutex
	closed bool
}

func NewELM327(cfg *goelm.AdapterConfig) (goelm.Channel, error) {
	log := cfg.Logger
	if log == nil {
		log = goelm.NopLogger()
	}
	mode := &serial.Mode{
		BaudRate: cfg.PortBaudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open com port %q: %w", cfg.Port, err)
	}
	if err := p.SetReadTimeout(pollInterval); err != nil {
		p.Close()
		return nil, err
	}
	p.ResetOutputBuffer()
	p.ResetInputBuffer()

	return &ELM327{cfg: cfg, log: log, port: p}, nil
}

// Send writes cmd and collects the reply until the prompt. The mutex keeps
// the single-outstanding-command invariant even if callers misbehave.
func (e *ELM327) Send(ctx context.Context, cmd string, timeout time.Duration) goelm.Response {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return goelm.Failure(goelm.ErrChannelClosed)
	}
	if timeout <= 0 {
		timeout = goelm.DefaultTimeout
	}

	e.port.ResetInputBuffer()
	if _, err := e.port.Write(append([]byte(cmd), goelm.CR)); err != nil {
		return goelm.Failure(fmt.Errorf("failed to write to com port: %w", err))
	}

	deadline := time.Now().Add(timeout)
	buff := bytes.NewBuffer(nil)
	readBuffer := make([]byte, 64)
	for {
		if err := ctx.Err(); err != nil {
			return goelm.Failure(err)
		}
		n, err := e.port.Read(readBuffer)
		if err != nil {
			return goelm.Failure(fmt.Errorf("failed to read com port: %w", err))
		}
		for _, b := range readBuffer[:n] {
			if b == goelm.Prompt {
				return goelm.OK(buff.String())
			}
			buff.WriteByte(b)
		}
		if time.Now().After(deadline) {
			// An unterminated reply is treated as no reply; the prompt
			// is the only reliable end-of-response marker.
			return goelm.Timeout()
		}
	}
}

func (e *ELM327) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.port.ResetOutputBuffer()
	e.port.Write([]byte{'A', 'T', 'Z', goelm.CR})
	time.Sleep(50 * time.Millisecond)
	e.port.ResetInputBuffer()
	return e.port.Close()
}
