package streamerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"sentinel", ErrTemporarilyUnavailable, ClassTransient},
		{"wrapped sentinel", fmt.Errorf("read: %w", ErrTemporarilyUnavailable), ClassTransient},
		{"Temporary helper", Temporary(errors.New("boom")), ClassTransient},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, ClassTransient},
		{"eagain", fmt.Errorf("read: %w", syscall.EAGAIN), ClassTransient},
		{"rate limited", &StatusError{Code: 429}, ClassTransient},
		{"enhance your calm", &StatusError{Code: 420}, ClassTransient},
		{"service unavailable", &StatusError{Code: 503, Body: "busy"}, ClassTransient},
		{"message text", errors.New("Resource temporarily unavailable"), ClassTransient},
		{"unauthorized", &StatusError{Code: 401}, ClassFatal},
		{"forbidden", fmt.Errorf("connect: %w", &StatusError{Code: 403}), ClassFatal},
		{"eof", io.EOF, ClassFatal},
		{"unexpected eof", fmt.Errorf("scan: %w", io.ErrUnexpectedEOF), ClassFatal},
		{"disconnect", ErrDisconnected, ClassFatal},
		{"closed", ErrClosed, ClassFatal},
		{"canceled", context.Canceled, ClassFatal},
		{"unknown", errors.New("weird failure"), ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNilError(t *testing.T) {
	if IsTransient(nil) || IsFatal(nil) {
		t.Error("nil error must be neither transient nor fatal")
	}
	if Temporary(nil) != nil {
		t.Error("Temporary(nil) should be nil")
	}
}

func TestClassString(t *testing.T) {
	if ClassTransient.String() != "transient" || ClassFatal.String() != "fatal" || Class(9).String() != "unknown" {
		t.Error("unexpected Class.String output")
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{Code: 429, Body: "slow down"}
	if got := err.Error(); got != "unexpected status 429 Too Many Requests: slow down" {
		t.Errorf("Error() = %q", got)
	}
}
