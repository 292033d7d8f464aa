package controller

import (
	"fmt"
	"io"
	"sync"
)

// Reporter writes the host-tooling output of the AP. Every line is wrapped
// so tooling can tell success, error, info and debug apart.
type Reporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewReporter writes to w
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

func (r *Reporter) emit(kind, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%%%s: %s%%\n", kind, fmt.Sprintf(format, args...))
}

// Success reports a completed command
func (r *Reporter) Success(format string, args ...any) {
	r.emit("success", format, args...)
}

// Error reports a failed command
func (r *Reporter) Error(format string, args ...any) {
	r.emit("error", format, args...)
}

// Info reports command output
func (r *Reporter) Info(format string, args ...any) {
	r.emit("info", format, args...)
}

// Debug reports diagnostic detail
func (r *Reporter) Debug(format string, args ...any) {
	r.emit("debug", format, args...)
}

// Ack marks that the AP is ready for the next command
func (r *Reporter) Ack() {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.w, "%ack%\n")
}
