package miner

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	ErrVendorNotSupported = errors.New("miner: vendor not supported")
	ErrAuth               = errors.New("miner: authentication failed")
	ErrProtocolParse      = errors.New("miner: malformed device response")
	ErrTransportRead      = errors.New("miner: transport read failed")
	ErrTransportTimeout   = errors.New("miner: transport timed out")
	ErrPing               = errors.New("miner: ping failed")
	ErrTaskJoin           = errors.New("miner: task did not complete")
	ErrNotImplemented     = errors.New("miner: operation not implemented")
	ErrInvalidIP          = errors.New("miner: invalid ipv4 address")
)

// IgnoreRebootDisconnect drops the errors a device produces while it
// restarts underneath an in-flight reboot command: timeouts, EOF and
// connection resets. Any other error is returned unchanged.
func IgnoreRebootDisconnect(err error) error {
	if err == nil || isRebootDisconnect(err) {
		return nil
	}
	return err
}

func isRebootDisconnect(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded):
		return true
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
