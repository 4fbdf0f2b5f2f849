/*
Copyright 2026 The Knative Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package handler

import (
	"context"
	"sort"
	"sync"
)

// DefaultMaxPending bounds how many out-of-order submissions a Sequencer
// holds before it gives up waiting for a missing sequence number.
const DefaultMaxPending = 1024

type sequenceKey struct{}

// WithSequence records the delivery position of an event within its
// namespace. Event sources number the events of each namespace from 1 in the
// order they were received.
func WithSequence(ctx context.Context, seq uint64) context.Context {
	return context.WithValue(ctx, sequenceKey{}, seq)
}

// SequenceFrom returns the delivery position stored by WithSequence.
func SequenceFrom(ctx context.Context) (uint64, bool) {
	seq, ok := ctx.Value(sequenceKey{}).(uint64)
	return seq, ok
}

// Sequencer runs submissions in delivery order while OnEvent calls for the
// same namespace run concurrently. A submission whose predecessors have not
// arrived yet is parked and run by whichever call fills the gap, so Do never
// waits for another event.
type Sequencer struct {
	// OnError receives the error of a submission that was parked and run
	// later on behalf of another call.
	OnError    func(seq uint64, err error)
	MaxPending int

	mu      sync.Mutex
	next    uint64
	pending map[uint64]func() error
}

// Do runs fn now if ctx carries no sequence or fn is next in line; otherwise
// it parks fn and returns nil.
func (s *Sequencer) Do(ctx context.Context, fn func() error) error {
	seq, ok := SequenceFrom(ctx)
	if !ok {
		return fn()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == 0 {
		s.next = 1
	}
	switch {
	case seq < s.next:
		// Late arrival after a gap was skipped.
		return fn()
	case seq > s.next:
		if s.pending == nil {
			s.pending = make(map[uint64]func() error)
		}
		s.pending[seq] = fn
		if len(s.pending) > s.maxPending() {
			s.skipGap()
		}
		return nil
	}

	err := fn()
	s.next++
	s.drain()
	return err
}

// Flush runs every parked submission in order, skipping missing positions.
func (s *Sequencer) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		s.skipGap()
	}
}

func (s *Sequencer) maxPending() int {
	if s.MaxPending > 0 {
		return s.MaxPending
	}
	return DefaultMaxPending
}

// skipGap moves next to the lowest parked position and drains from there.
func (s *Sequencer) skipGap() {
	seqs := make([]uint64, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	s.next = seqs[0]
	s.drain()
}

func (s *Sequencer) drain() {
	for {
		fn, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		if err := fn(); err != nil && s.OnError != nil {
			s.OnError(s.next, err)
		}
		s.next++
	}
}
