// Package permission answers whether the process may use the microphone.
package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Status is the current answer of a permission facility
type Status string

const (
	StatusGranted      Status = "granted"
	StatusDenied       Status = "denied"
	StatusUndetermined Status = "undetermined"
)

// Checker reports and requests microphone permission
type Checker interface {
	Check(ctx context.Context) Status
	// Request asks for permission when undetermined. It may block on the user.
	Request(ctx context.Context) (bool, error)
}

// Ensure returns true when permission is granted, requesting it if still undetermined.
func Ensure(ctx context.Context, c Checker) (bool, error) {
	switch c.Check(ctx) {
	case StatusGranted:
		return true, nil
	case StatusDenied:
		return false, nil
	default:
		return c.Request(ctx)
	}
}

// Static is a fixed answer
type Static bool

func (s Static) Check(context.Context) Status {
	if s {
		return StatusGranted
	}
	return StatusDenied
}

func (s Static) Request(context.Context) (bool, error) {
	return bool(s), nil
}

// Prompt asks once on a terminal and remembers the answer.
type Prompt struct {
	in  *bufio.Reader
	out io.Writer

	mu     sync.Mutex
	status Status
}

// NewPrompt creates an undetermined prompt reading answers from in.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: bufio.NewReader(in), out: out, status: StatusUndetermined}
}

func (p *Prompt) Check(context.Context) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Prompt) Request(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusUndetermined {
		return p.status == StatusGranted, nil
	}

	fmt.Fprint(p.out, "Allow audiobridge to use the microphone? [y/N] ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.err != io.EOF {
			return false, fmt.Errorf("failed to read permission answer: %w", a.err)
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			p.status = StatusGranted
		default:
			p.status = StatusDenied
		}
		return p.status == StatusGranted, nil
	}
}

// FromMode builds a checker from a configuration value: granted, denied or prompt.
func FromMode(mode string, in io.Reader, out io.Writer) (Checker, error) {
	switch strings.ToLower(mode) {
	case "", "granted":
		return Static(true), nil
	case "denied":
		return Static(false), nil
	case "prompt":
		return NewPrompt(in, out), nil
	default:
		return nil, fmt.Errorf("unknown permission mode %q (valid: granted, denied, prompt)", mode)
	}
}
