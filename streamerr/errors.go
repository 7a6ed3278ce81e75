// Package streamerr classifies stream transport failures into transient
// errors (retry in place) and fatal ones (close the stream).
package streamerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrTemporarilyUnavailable marks a read or connect failure that is expected to clear on its own.
var ErrTemporarilyUnavailable = errors.New("temporarily unavailable")

// ErrDisconnected is returned when the remote side ends the stream.
var ErrDisconnected = errors.New("stream disconnected by remote")

// ErrClosed is returned by transports used after Close.
var ErrClosed = errors.New("stream closed")

// Class represents whether a transport error should be retried or not.
type Class int

const (
	// ClassTransient errors are retried in place after a short fixed delay.
	ClassTransient Class = iota
	// ClassFatal errors close the affected stream.
	ClassFatal
)

// String returns a human-readable name for the class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StatusError carries a non-2xx HTTP response from a transport.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("unexpected status %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Temporary wraps err so it classifies as transient.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTemporarilyUnavailable, err)
}

// Classify sorts err into transient or fatal.
//
// Transient:
//   - ErrTemporarilyUnavailable (and anything wrapping it)
//   - net.Error timeouts, EAGAIN/EWOULDBLOCK, ECONNRESET
//   - HTTP 420/429 (rate limited) and 500/502/503/504
//   - messages mentioning "temporarily unavailable" or "try again"
//
// Fatal:
//   - EOF, ErrDisconnected, ErrClosed, context cancellation
//   - HTTP 401/403/404 and every other status
//   - anything unrecognised
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, ErrTemporarilyUnavailable) {
		return ClassTransient
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrDisconnected) || errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return ClassFatal
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case 420, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return ClassTransient
		default:
			return ClassFatal
		}
	}
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ECONNRESET) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "temporarily unavailable") || strings.Contains(lower, "try again") {
		return ClassTransient
	}
	return ClassFatal
}

// IsTransient reports whether err should be retried in place.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsFatal reports whether err should close the stream.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ClassFatal
}
