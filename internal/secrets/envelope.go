// Package secrets implements the transient secrets envelope: credentials
// are delivered once per task over `secrets.send`, held in memory only
// long enough for the assigned worker to collect them via
// `worker.get_secrets`, and never written to disk or logged in full.
package secrets

import (
	"errors"
	"time"
)

// Envelope is the wire and in-memory form of one secrets delivery.
type Envelope struct {
	TaskID     string            `json:"task_id"`
	Secrets    map[string]string `json:"secrets"`
	TimestampS int64             `json:"timestamp_s"`
	Nonce      string            `json:"nonce"`
}

var (
	ErrClockSkew  = errors.New("secrets: timestamp outside the allowed clock skew window")
	ErrNonceReused = errors.New("secrets: nonce already used within the skew window")
	ErrEmptyTask  = errors.New("secrets: task_id is required")
	ErrEmptyNonce = errors.New("secrets: nonce is required")
)

// Validate checks the envelope's timestamp against now within skew, and
// requires non-empty task_id/nonce. It does not check nonce replay; that is
// the Service's job, since it needs the shared nonce history.
func (e *Envelope) Validate(now time.Time, skew time.Duration) error {
	if e.TaskID == "" {
		return ErrEmptyTask
	}
	if e.Nonce == "" {
		return ErrEmptyNonce
	}
	delta := now.Unix() - e.TimestampS
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > skew {
		return ErrClockSkew
	}
	return nil
}
