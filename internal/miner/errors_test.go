package miner

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"
)

func TestIgnoreRebootDisconnect(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		ignored bool
	}{
		{"nil", nil, true},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, true},
		{"deadline", os.ErrDeadlineExceeded, true},
		{"url wrapped eof", &url.Error{Op: "Get", URL: "http://x/cgi-bin/reboot.cgi", Err: io.EOF}, true},
		{"fmt wrapped reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, false},
		{"auth", ErrAuth, false},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IgnoreRebootDisconnect(tt.err)
			if tt.ignored && got != nil {
				t.Errorf("expected %v to be ignored, got %v", tt.err, got)
			}
			if !tt.ignored && got == nil {
				t.Errorf("expected %v to be returned", tt.err)
			}
		})
	}
}
