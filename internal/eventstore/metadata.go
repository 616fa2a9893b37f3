package eventstore

import (
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/waitingroom/internal/events"
)

func marshalMetadata(m events.Metadata) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte, out *events.Metadata) error {
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("eventstore: unmarshal metadata: %w", err)
	}
	return nil
}
