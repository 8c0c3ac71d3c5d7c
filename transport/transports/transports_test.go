package transports

import (
	"testing"

	"github.com/drblury/orderflow/transport"
)

func TestBuiltInTransportsRegistered(t *testing.T) {
	for _, name := range []string{"memory", "rabbitmq"} {
		if !transport.DefaultRegistry.Has(name) {
			t.Fatalf("expected %q to be registered, got %v", name, transport.DefaultRegistry.Names())
		}
	}
}
