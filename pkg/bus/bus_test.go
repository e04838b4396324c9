package bus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil acks", nil, OutcomeAck},
		{"malformed rejects", ErrMalformed, OutcomeReject},
		{"wrapped malformed rejects", fmt.Errorf("decode: %w", ErrMalformed), OutcomeReject},
		{"store failure requeues", errors.New("cassandra timeout"), OutcomeRequeue},
		{"not connected requeues", ErrNotConnected, OutcomeRequeue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ack", OutcomeAck.String())
	assert.Equal(t, "reject", OutcomeReject.String())
	assert.Equal(t, "requeue", OutcomeRequeue.String())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = "nats"
	_, err := New(cfg, RolePublisher)
	assert.Error(t, err)
}

func TestNewDefaultsToRabbitMQ(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = ""
	d, err := New(cfg, RoleConsumer)
	assert.NoError(t, err)
	assert.IsType(t, &RabbitMQ{}, d)
	assert.Equal(t, StateDisconnected, d.State())
}

func TestConfigFromViper(t *testing.T) {
	v := viper.New()
	v.Set("bus.driver", "kafka")
	v.Set("bus.reconnect.max_delay", "10s")
	v.Set("bus.reconnect.max_attempts", 4)
	v.Set("bus.operation_timeout", "bogus")
	v.Set("bus.group_id", "persist-a")

	cfg := ConfigFromViper(v)
	assert.Equal(t, "kafka", cfg.Driver)
	assert.Equal(t, 10*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.InitialDelay)
	assert.Equal(t, 4, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.OperationTimeout)
	assert.Equal(t, "persist-a", cfg.Kafka.GroupID)
	assert.Equal(t, "message_persist_queue", cfg.Topology.Queue)
	assert.Equal(t, "messages.*", cfg.Topology.Binding)
}
