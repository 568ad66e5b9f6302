package ipc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/p-arndt/lughcore/protocol"
)

var ErrInvalidMessage = errors.New("ipc: invalid message")

// GridFaultMarker must appear in every grid alert payload.
const GridFaultMarker = "GRID_FAULT"

// Signer is the part of the crypto collaborator Validate needs.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Validate applies content rules to a received message. High priority
// messages need a payload; grid alerts must carry GridFaultMarker and are
// signed, the signature being returned. Other messages return a nil signature.
func Validate(msg *protocol.Message, signer Signer) ([]byte, error) {
	text := msg.Text()
	if msg.Priority == protocol.PriorityHigh && len(text) == 0 {
		return nil, fmt.Errorf("%w: empty high-priority payload", ErrInvalidMessage)
	}
	if msg.Operation != protocol.OpGridAlert {
		return nil, nil
	}
	if !bytes.Contains(text, []byte(GridFaultMarker)) {
		return nil, fmt.Errorf("%w: grid alert without %s", ErrInvalidMessage, GridFaultMarker)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: no signer for grid alert", ErrInvalidMessage)
	}
	sig, err := signer.Sign(text)
	if err != nil {
		return nil, fmt.Errorf("signing grid alert: %w", err)
	}
	return sig, nil
}
