package bus

import (
	"context"
	"testing"

	"github.com/codeready-toolchain/waitingroom/internal/outbox"
	"github.com/stretchr/testify/assert"
)

func TestNoopPublisherNeverErrors(t *testing.T) {
	p := NoopPublisher{}
	err := p.Publish(context.Background(), outbox.Entry{EventID: "e1", EventName: "PatientCheckedIn"})
	assert.NoError(t, err)
	assert.NoError(t, p.Close())
}
