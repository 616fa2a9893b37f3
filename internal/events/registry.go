package events

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Factory produces a zero-value Payload for a given event name, ready to
// be unmarshaled into.
type Factory func() Payload

// Registry maps event names to their concrete payload type, so stored or
// received JSON can be decoded back into the right Go struct. Mirrors the
// name-to-handler registries used elsewhere in this codebase, specialized
// to event payloads instead of callbacks.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry builds a Registry pre-populated with every event type this
// aggregate emits.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.MustRegister("WaitingQueueCreated", func() Payload { return &WaitingQueueCreated{} })
	r.MustRegister("PatientCheckedIn", func() Payload { return &PatientCheckedIn{} })
	r.MustRegister("PatientCalledAtCashier", func() Payload { return &PatientCalledAtCashier{} })
	r.MustRegister("PatientReturnedToQueue", func() Payload { return &PatientReturnedToQueue{} })
	r.MustRegister("PatientPaymentValidated", func() Payload { return &PatientPaymentValidated{} })
	r.MustRegister("PatientPaymentPending", func() Payload { return &PatientPaymentPending{} })
	r.MustRegister("PatientMarkedAbsentAtCashier", func() Payload { return &PatientMarkedAbsentAtCashier{} })
	r.MustRegister("PatientCancelledByPayment", func() Payload { return &PatientCancelledByPayment{} })
	r.MustRegister("ConsultingRoomActivated", func() Payload { return &ConsultingRoomActivated{} })
	r.MustRegister("ConsultingRoomDeactivated", func() Payload { return &ConsultingRoomDeactivated{} })
	r.MustRegister("PatientClaimedForAttention", func() Payload { return &PatientClaimedForAttention{} })
	r.MustRegister("PatientConsultationStarted", func() Payload { return &PatientConsultationStarted{} })
	r.MustRegister("PatientConsultationCompleted", func() Payload { return &PatientConsultationCompleted{} })
	r.MustRegister("PatientMarkedAbsentAtConsultation", func() Payload { return &PatientMarkedAbsentAtConsultation{} })
	r.MustRegister("PatientCancelledByAbsence", func() Payload { return &PatientCancelledByAbsence{} })
	return r
}

// Register adds a factory for eventName. Returns an error if one is
// already registered, so a typo cannot silently shadow an existing type.
func (r *Registry) Register(eventName string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[eventName]; exists {
		return fmt.Errorf("events: factory for %q already registered", eventName)
	}
	r.factories[eventName] = factory
	return nil
}

// MustRegister is Register for initialization code, where a collision is
// a programming error.
func (r *Registry) MustRegister(eventName string, factory Factory) {
	if err := r.Register(eventName, factory); err != nil {
		panic(err)
	}
}

// Names returns every event name currently registered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Decode looks up eventName's factory and unmarshals payload into it.
func (r *Registry) Decode(eventName string, payload []byte) (Payload, error) {
	r.mu.RLock()
	factory, ok := r.factories[eventName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("events: no registered type for %q", eventName)
	}
	out := factory()
	if err := json.Unmarshal(payload, out); err != nil {
		return nil, fmt.Errorf("events: decode %q: %w", eventName, err)
	}
	return out, nil
}

// Encode marshals a payload to its canonical JSON representation.
func Encode(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("events: encode %q: %w", p.EventName(), err)
	}
	return b, nil
}
