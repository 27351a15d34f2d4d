package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBinding(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		b := NewBinding("calc")

		assert.Equal(t, "calc", b.Exchange)
		assert.Equal(t, ExchangeDirect, b.ExchangeType)
		assert.Equal(t, 1, b.PrefetchCount)
		assert.True(t, b.AutoDelete)
		assert.False(t, b.Durable)
		assert.False(t, b.AutoAck)
		assert.Empty(t, b.Queue)
		require.NoError(t, b.Validate())
	})

	t.Run("options", func(t *testing.T) {
		b := NewBinding("events",
			WithExchangeType(ExchangeTopic),
			WithQueue("audit"),
			WithRoutingKey("order.*"),
			WithPrefetchCount(20),
			WithAutoAck(true),
			WithPublisherConfirms(true),
			WithDurable(true),
			WithAutoDelete(false),
			WithDeadLetterExchange("events.dlx"),
		)

		assert.Equal(t, Binding{
			Exchange:           "events",
			ExchangeType:       ExchangeTopic,
			Queue:              "audit",
			RoutingKey:         "order.*",
			PrefetchCount:      20,
			AutoAck:            true,
			PublisherConfirms:  true,
			Durable:            true,
			AutoDelete:         false,
			DeadLetterExchange: "events.dlx",
		}, b)
	})

	t.Run("copies are independent", func(t *testing.T) {
		a := NewBinding("calc", WithQueue("calc.requests"))
		b := a
		b.Queue = "other"
		assert.Equal(t, "calc.requests", a.Queue)
	})
}

func TestBindingValidate(t *testing.T) {
	tests := []struct {
		name    string
		binding Binding
		wantErr bool
	}{
		{"exchange only", NewBinding("calc"), false},
		{"queue on the default exchange", Binding{Queue: "jobs"}, false},
		{"neither exchange nor queue", Binding{}, true},
		{"unsupported exchange type", NewBinding("calc", WithExchangeType("headers")), true},
		{"negative prefetch", NewBinding("calc", WithPrefetchCount(-1)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.binding.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBinding)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
