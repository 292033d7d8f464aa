// Package rng supplies random bytes: the Nitro Secure Module when the
// process runs inside an enclave, crypto/rand otherwise.
package rng

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"github.com/rs/zerolog/log"
)

// NSMDevice is the Nitro Secure Module device node
const NSMDevice = "/dev/nsm"

// NSM reads entropy from the Nitro Secure Module
type NSM struct {
	mu   sync.Mutex
	sess *nsm.Session
}

// OpenNSM opens a session on the default NSM device
func OpenNSM() (*NSM, error) {
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open NSM session: %w", err)
	}
	return &NSM{sess: sess}, nil
}

// Read fills p with NSM entropy
func (n *NSM) Read(p []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	filled := 0
	for filled < len(p) {
		res, err := n.sess.Send(&request.GetRandom{})
		if err != nil {
			return filled, fmt.Errorf("failed to get random from NSM: %w", err)
		}
		if res.GetRandom == nil || len(res.GetRandom.Random) == 0 {
			return filled, errors.New("NSM returned no random bytes")
		}
		filled += copy(p[filled:], res.GetRandom.Random)
	}
	return filled, nil
}

// Close closes the NSM session
func (n *NSM) Close() error {
	return n.sess.Close()
}

// Default returns the NSM source when available and crypto/rand otherwise.
// The returned close function is always safe to call.
func Default() (io.Reader, func() error) {
	if _, err := os.Stat(NSMDevice); err == nil {
		n, err := OpenNSM()
		if err == nil {
			log.Info().Msg("Using NSM hardware random source")
			return n, n.Close
		}
		log.Warn().Err(err).Msg("NSM present but unusable, falling back to crypto/rand")
	}
	return rand.Reader, func() error { return nil }
}

// Bytes reads exactly n bytes from r
func Bytes(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("failed to read %d random bytes: %w", n, err)
	}
	return b, nil
}
