package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dormoron/aegis/vault"
)

// terminalAuthenticator 在终端上确认安全存储访问，确认一次后在进程内有效
type terminalAuthenticator struct {
	in        *bufio.Reader
	out       io.Writer
	assumeYes bool

	mu       sync.Mutex
	approved bool
	declined bool
}

var _ vault.DeviceAuthenticator = (*terminalAuthenticator)(nil)

func newTerminalAuthenticator(in *bufio.Reader, out io.Writer, assumeYes bool) *terminalAuthenticator {
	return &terminalAuthenticator{in: in, out: out, assumeYes: assumeYes}
}

// Available 实现vault.DeviceAuthenticator.Available
func (a *terminalAuthenticator) Available(context.Context) bool {
	return true
}

// Authenticate 实现vault.DeviceAuthenticator.Authenticate，拒绝后本进程内不再询问
func (a *terminalAuthenticator) Authenticate(ctx context.Context, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.assumeYes || a.approved {
		return nil
	}
	if a.declined {
		return vault.ErrAuthCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "%s，是否允许访问安全存储? [Y/n] ", reason)
	answer, err := a.in.ReadString('\n')
	if err != nil && answer == "" {
		a.declined = true
		return vault.ErrAuthCancelled
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "", "y", "yes":
		a.approved = true
		return nil
	default:
		a.declined = true
		return vault.ErrAuthCancelled
	}
}
