package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeEnvelope serializes env to JSON and writes it to w.
func EncodeEnvelope(w io.Writer, env *Envelope) error {
	if env.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", env.Protocol)
	}
	if env.Job.ID == "" {
		return fmt.Errorf("envelope missing required field: job.id")
	}

	if err := json.NewEncoder(w).Encode(env); err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return nil
}

// DecodeEnvelope reads one envelope from r.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", env.Protocol)
	}
	if env.Job.ID == "" {
		return nil, fmt.Errorf("envelope missing required field: job.id")
	}
	if env.ParentPID <= 0 {
		return nil, fmt.Errorf("envelope missing required field: parent_pid")
	}
	return &env, nil
}
