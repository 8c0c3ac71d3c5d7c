package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubDialer(conn Connection, err error) Dialer {
	return func(ctx context.Context, url string) (Connection, error) {
		return conn, err
	}
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Capabilities{Name: "test-broker", Durable: true}, stubDialer(nil, nil))

	assert.True(t, reg.Has("test-broker"))
	assert.False(t, reg.Has("other-broker"))
	assert.True(t, reg.Capabilities("test-broker").Durable)
}

func TestRegistry_CapabilitiesUnknown(t *testing.T) {
	caps := NewRegistry().Capabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.Durable)
	assert.False(t, caps.Shared)
}

func TestRegistry_Dial(t *testing.T) {
	reg := NewRegistry()
	conn := &fakeConnection{}
	var gotURL string
	reg.Register(Capabilities{Name: "test-broker"}, func(ctx context.Context, url string) (Connection, error) {
		gotURL = url
		return conn, nil
	})

	got, err := reg.Dial(context.Background(), "test-broker", "amqp://localhost/")
	require.NoError(t, err)
	assert.Same(t, conn, got)
	assert.Equal(t, "amqp://localhost/", gotURL)
}

func TestRegistry_DialUnknown(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Capabilities{Name: "b"}, stubDialer(nil, nil))
	reg.Register(Capabilities{Name: "a"}, stubDialer(nil, nil))

	_, err := reg.Dial(context.Background(), "kafka", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown transport: "kafka"`)
	assert.Contains(t, err.Error(), "[a b]")
}

func TestRegistry_DialError(t *testing.T) {
	reg := NewRegistry()
	expected := errors.New("dial failed")
	reg.Register(Capabilities{Name: "failing"}, stubDialer(nil, expected))

	_, err := reg.Dial(context.Background(), "failing", "")
	assert.Equal(t, expected, err)
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"rabbitmq", "memory", "custom"} {
		reg.Register(Capabilities{Name: name}, stubDialer(nil, nil))
	}
	assert.Equal(t, []string{"custom", "memory", "rabbitmq"}, reg.Names())
}

func TestDefaultRegistryHelpers(t *testing.T) {
	original := DefaultRegistry
	defer func() { DefaultRegistry = original }()
	DefaultRegistry = NewRegistry()

	Register(MemoryCapabilities, stubDialer(nil, nil))

	_, err := Lookup("memory")
	require.NoError(t, err)
	assert.Equal(t, MemoryCapabilities, GetCapabilities("memory"))
	assert.False(t, GetCapabilities("rabbitmq").Durable)
}
