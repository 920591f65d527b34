package genclm

import (
	"errors"
	"fmt"
)

// ErrNoPositivePairs reports a contrastive batch whose group labels admit no
// positive pair at all (every item in its own class).
var ErrNoPositivePairs = errors.New("genclm: contrastive batch has no positive pairs")

// UnknownPoolingError reports a pooling method name with no implementation.
type UnknownPoolingError struct {
	Method string
}

func (e *UnknownPoolingError) Error() string {
	return fmt.Sprintf("genclm: unknown pooling method %q", e.Method)
}

// AllMaskedError reports a batch item whose attention mask has no active
// position left after prompt masking. This is a data/config mismatch
// upstream and aborts the forward call.
type AllMaskedError struct {
	Item         int
	PromptLength int
}

func (e *AllMaskedError) Error() string {
	return fmt.Sprintf("genclm: batch item %d fully masked after prompt masking (prompt length %d)", e.Item, e.PromptLength)
}
