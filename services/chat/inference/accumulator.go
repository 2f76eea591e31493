// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/llm"
)

const (
	thinkOpen  = llm.ThinkOpen
	thinkClose = llm.ThinkClose
)

// MaxResponseBytes bounds the accumulated assistant text.
const MaxResponseBytes = 1 << 20

// ErrResponseTooLarge is returned when a reply exceeds MaxResponseBytes.
var ErrResponseTooLarge = fmt.Errorf("response exceeds %d bytes", MaxResponseBytes)

// accumulator turns provider events into relayed deltas and keeps the full
// text for persistence.
//
// # Description
//
// Reasoning events are wrapped in a <think> block: the opening marker is
// emitted before the first reasoning delta and the closing marker before
// the first answer delta that follows. Every emitted string is also hashed
// so the stored message can be correlated with what the client received.
//
// # Thread Safety
//
// Not safe for concurrent use. Providers call back sequentially.
type accumulator struct {
	text      strings.Builder
	hash      hash.Hash
	deltas    int
	inThink   bool
	sawAnswer bool
}

func newAccumulator() *accumulator {
	return &accumulator{hash: sha256.New()}
}

// Add converts one provider event into the deltas to relay, in order.
func (a *accumulator) Add(event llm.StreamEvent) ([]string, error) {
	if event.Content == "" {
		return nil, nil
	}
	var out []string
	switch event.Type {
	case llm.StreamEventThinking:
		if a.sawAnswer {
			// Reasoning after the answer has started is not relayed.
			return nil, nil
		}
		if !a.inThink {
			a.inThink = true
			out = append(out, thinkOpen)
		}
		out = append(out, event.Content)
	default:
		if a.inThink {
			a.inThink = false
			out = append(out, thinkClose)
		}
		a.sawAnswer = true
		out = append(out, event.Content)
	}

	size := a.text.Len()
	for _, s := range out {
		size += len(s)
	}
	if size > MaxResponseBytes {
		return nil, ErrResponseTooLarge
	}
	for _, s := range out {
		a.text.WriteString(s)
		a.hash.Write([]byte(s))
		a.deltas++
	}
	return out, nil
}

// Text returns the accumulated text. An unterminated reasoning block is
// closed so the stored text stays well formed.
func (a *accumulator) Text() string {
	if a.inThink {
		return a.text.String() + thinkClose
	}
	return a.text.String()
}

// Empty reports whether nothing has been accumulated.
func (a *accumulator) Empty() bool {
	return a.text.Len() == 0
}

// Deltas returns the number of relayed deltas.
func (a *accumulator) Deltas() int {
	return a.deltas
}

// Hash returns the hex SHA-256 of the relayed deltas.
func (a *accumulator) Hash() string {
	return hex.EncodeToString(a.hash.Sum(nil))
}
