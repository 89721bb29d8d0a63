package server

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/smart-mcp-proxy/mcpgate/internal/config"
)

// PortInUseError indicates that the requested listen address is already occupied.
type PortInUseError struct {
	Address string
	Err     error
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %s is already in use", e.Address)
}

func (e *PortInUseError) Unwrap() error {
	return e.Err
}

// isAddrInUseError determines whether an error represents an address-in-use condition.
func isAddrInUseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != err && isAddrInUseError(opErr.Err) {
		return true
	}
	// Final fallback for platform-specific error strings.
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

// listenLoopback binds addr, refusing anything but a loopback interface.
func listenLoopback(addr string) (net.Listener, error) {
	if err := config.ValidateLoopback(addr); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUseError(err) {
			return nil, &PortInUseError{Address: addr, Err: err}
		}
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}
