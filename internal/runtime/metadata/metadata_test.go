package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	if cloned := m.Clone(); cloned == nil || len(cloned) != 0 {
		t.Fatalf("expected empty non-nil map, got %#v", cloned)
	}
}

func TestWith(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	if _, ok := base["baz"]; ok {
		t.Fatal("expected base map to remain unchanged")
	}
	if enriched["baz"] != "qux" || enriched["foo"] != "bar" {
		t.Fatalf("unexpected enriched map %#v", enriched)
	}
}

func TestPickSkipsMissingAndEmpty(t *testing.T) {
	md := Metadata{"a": "1", "b": "", "c": "3"}
	picked := md.Pick("a", "b", "z")
	if len(picked) != 1 || picked["a"] != "1" {
		t.Fatalf("unexpected picked map %#v", picked)
	}
}

func TestOutboundPropagatesCorrelationOnly(t *testing.T) {
	in := Metadata{
		KeyCorrelationID: "corr-1",
		KeyRoutingKey:    "order.created",
		KeyRedelivered:   "true",
		KeyEventType:     "order.created",
	}
	out := Outbound(in, "payment.authorized", "o-1", "payment")

	want := Metadata{
		KeyCorrelationID: "corr-1",
		KeyEventType:     "payment.authorized",
		KeyOrderID:       "o-1",
		KeyProducer:      "payment",
	}
	if len(out) != len(want) {
		t.Fatalf("expected %d keys, got %#v", len(want), out)
	}
	for k, v := range want {
		if out[k] != v {
			t.Fatalf("expected %s=%q, got %q", k, v, out[k])
		}
	}
}

func TestToAndFromWatermill(t *testing.T) {
	md := Metadata{"source": "api"}
	wm := ToWatermill(md)
	wm["source"] = "mutation"
	if md["source"] != "api" {
		t.Fatal("expected original metadata to be immutable to watermill changes")
	}
	if len(ToWatermill(nil)) != 0 {
		t.Fatal("expected nil input to return empty metadata")
	}
	if FromWatermill(message.Metadata{"event": "order"})["event"] != "order" {
		t.Fatal("expected watermill metadata to convert back")
	}
	if md := FromWatermill(nil); md == nil || len(md) != 0 {
		t.Fatal("expected empty non-nil map")
	}
}

func TestFromHeadersDropsStructuredValues(t *testing.T) {
	headers := amqp.Table{
		KeyCorrelationID:         "corr-1",
		"x-death":                []any{amqp.Table{"count": int64(1)}},
		"x-first-death-exchange": "orders",
	}
	md := FromHeaders(headers)
	if md[KeyCorrelationID] != "corr-1" || md["x-first-death-exchange"] != "orders" {
		t.Fatalf("expected string headers to survive, got %#v", md)
	}
	if _, ok := md["x-death"]; ok {
		t.Fatal("expected x-death to be dropped")
	}
	if ToHeaders(md)[KeyCorrelationID] != "corr-1" {
		t.Fatal("expected headers round trip")
	}
}
