package orderflow

import (
	"context"
	"errors"
	"testing"

	"github.com/drblury/orderflow/transport/memory"
)

func TestStageExports(t *testing.T) {
	stages := Stages()
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
	if _, err := LookupStage("billing"); err == nil {
		t.Fatal("expected unknown stage error")
	}
	stage, err := LookupStage("inventory")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage.BindingKey != PaymentAuthorized || stage.PublishKey != InventoryReserved {
		t.Fatalf("unexpected inventory routing: %+v", stage)
	}
}

func TestNewServiceExportValidates(t *testing.T) {
	if _, err := NewService(nil, NopLogger(), "payment", ServiceDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
	if _, err := NewService(DefaultConfig(), NopLogger(), "billing", ServiceDependencies{}); !errors.Is(err, ErrStageRequired) {
		t.Fatalf("expected stage required error, got %v", err)
	}
}

func TestEnvelopeExportsRoundTrip(t *testing.T) {
	body := EncodeEnvelope(Envelope{Type: OrderCreated, OrderID: "o-1", UserID: "u-1"})
	env, err := DecodeEnvelope(body, OrderCreated)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.OrderID != "o-1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if _, err := DecodeEnvelope([]byte("{"), OrderCreated); ClassifyError(err) != ErrorKindDecode {
		t.Fatalf("expected decode kind, got %v", err)
	}
}

func TestOpenStoreAndDeclareTopology(t *testing.T) {
	conf := DefaultConfig()
	st, err := OpenStore(context.Background(), conf)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	defer st.Close()

	ch, err := memory.NewBroker().Dial().OpenChannel()
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if err := DeclareTopology(ch, Stages()...); err != nil {
		t.Fatalf("declare topology: %v", err)
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataKeys(t *testing.T) {
	md := Metadata{MetadataKeyCorrelationID: "c-1"}
	if md.With(MetadataKeyOrderID, "o-1")[MetadataKeyCorrelationID] != "c-1" {
		t.Fatalf("expected correlation id to be kept, got %#v", md)
	}
}
