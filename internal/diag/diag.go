// Package diag wraps internal (non-RPC-taxonomy) errors with a
// human-readable description and a UUID correlation id logged alongside the
// underlying cause, adapted from the teacher's util/error.go
// HumanizeError/LogErrorGetID pair. Where rpcerr carries the wire-facing
// error code taxonomy, diag is for operator-facing diagnostics: "what do I
// tell the person reading the logs" rather than "what code does the SDK
// see".
package diag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"

	log "github.com/activeshadow/libminimega/minilog"
)

// HumanizedError pairs an underlying error with an operator-facing
// description and the UUID the cause was logged under.
type HumanizedError struct {
	cause     error
	humanized string
	id        string
}

// Humanize wraps err with desc, logging the cause at ERROR level under a
// fresh UUID the humanized message references. If err is already a
// HumanizedError it is returned unchanged so correlation ids don't multiply
// across nested wraps.
func Humanize(err error, desc string) *HumanizedError {
	var existing *HumanizedError
	if errors.As(err, &existing) {
		return existing
	}

	id := uuid.Must(uuid.NewV4()).String()

	log.Error("[%s] %v", id, err)

	return &HumanizedError{cause: err, humanized: desc, id: id}
}

func (h *HumanizedError) Error() string { return h.cause.Error() }

func (h *HumanizedError) Unwrap() error { return h.cause }

// Humanized returns the operator-facing message, falling back to a
// title-cased first word of the underlying error when no description was
// given.
func (h *HumanizedError) Humanized() string {
	if h.humanized == "" {
		parts := strings.Split(h.cause.Error(), " ")
		if len(parts) > 0 && parts[0] != "" {
			parts[0] = strings.ToUpper(parts[0][:1]) + parts[0][1:]
		}

		return strings.Join(parts, " ")
	}

	return fmt.Sprintf("%s (search logs for %s)", h.humanized, h.id)
}

// ID returns the correlation UUID the cause was logged under.
func (h *HumanizedError) ID() string { return h.id }
