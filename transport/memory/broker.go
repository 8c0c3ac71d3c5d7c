// Package memory is an in-process broker with the AMQP semantics the module
// depends on: durable topic exchanges, queue dead-lettering through
// x-dead-letter-exchange, per-consumer prefetch and manual acknowledgements.
// It backs the demo mode and the end-to-end tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/orderflow/internal/runtime/ids"
	"github.com/drblury/orderflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// Default is the process-wide broker reached through the registered dialer.
var Default = NewBroker()

func init() {
	Register()
}

// Register adds the memory dialer to the default registry. All connections
// share Default; the URL is ignored.
func Register() {
	transport.Register(transport.MemoryCapabilities, Default.Dialer())
}

// Broker holds exchanges and queues. All state is guarded by mu; cond is
// broadcast on every change consumers may be waiting for.
type Broker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	exchanges map[string]*exchange
	queues    map[string]*queue
}

type exchange struct {
	name       string
	kind       string
	durable    bool
	autoDelete bool
	internal   bool
	bindings   []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
	ready      []*envelope
	consumers  int
}

type envelope struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	b := &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Dial opens a connection to the broker.
func (b *Broker) Dial() *Connection {
	return &Connection{broker: b, channels: make(map[*Channel]struct{})}
}

// Dialer adapts Dial to transport.Dialer.
func (b *Broker) Dialer() transport.Dialer {
	return func(ctx context.Context, url string) (transport.Connection, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return b.Dial(), nil
	}
}

// Depth returns the number of ready messages in a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Queues returns the declared queue names in lexical order.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bindings lists an exchange's bindings as "queue:key".
func (b *Broker) Bindings(exchangeName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ex.bindings))
	for _, bd := range ex.bindings {
		out = append(out, bd.queue+":"+bd.key)
	}
	return out
}

// Peek returns copies of the bodies of the ready messages in a queue.
func (b *Broker) Peek(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(q.ready))
	for _, env := range q.ready {
		out = append(out, append([]byte(nil), env.pub.Body...))
	}
	return out
}

// routeLocked delivers pub to every queue bound to exchangeName whose binding
// matches key. The empty exchange name addresses a queue directly.
func (b *Broker) routeLocked(exchangeName, key string, pub amqp.Publishing) error {
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueueLocked(q, exchangeName, key, pub)
		}
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName),
			Server: true,
		}
	}

	delivered := make(map[string]struct{})
	for _, bd := range ex.bindings {
		if _, done := delivered[bd.queue]; done {
			continue
		}
		if !matches(ex.kind, bd.key, key) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			b.enqueueLocked(q, exchangeName, key, pub)
			delivered[bd.queue] = struct{}{}
		}
	}
	return nil
}

func (b *Broker) enqueueLocked(q *queue, exchangeName, key string, pub amqp.Publishing) {
	q.ready = append(q.ready, &envelope{
		exchange:   exchangeName,
		routingKey: key,
		pub:        clonePublishing(pub),
	})
	b.cond.Broadcast()
}

// requeueLocked puts messages back at the head of their queue, preserving
// their relative order.
func (b *Broker) requeueLocked(q *queue, envs ...*envelope) {
	for _, env := range envs {
		env.redelivered = true
	}
	q.ready = append(append([]*envelope(nil), envs...), q.ready...)
	b.cond.Broadcast()
}

// deadLetterLocked republishes a refused message through the queue's
// dead-letter exchange, recording the death in x-death. Queues without a
// dead-letter exchange drop the message.
func (b *Broker) deadLetterLocked(q *queue, env *envelope, reason string) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := env.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok && k != "" {
		key = k
	}

	pub := clonePublishing(env.pub)
	pub.Headers = recordDeath(pub.Headers, q.name, reason, env)

	// Unroutable dead letters are dropped, as on a real broker.
	_ = b.routeLocked(dlx, key, pub)
}

func recordDeath(headers amqp.Table, queueName, reason string, env *envelope) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}

	var deaths []any
	if existing, ok := headers["x-death"].([]any); ok {
		deaths = existing
	}

	count := int64(1)
	kept := make([]any, 0, len(deaths)+1)
	for _, d := range deaths {
		entry, ok := d.(amqp.Table)
		if ok && entry["queue"] == queueName && entry["reason"] == reason {
			if c, ok := entry["count"].(int64); ok {
				count = c + 1
			}
			continue
		}
		kept = append(kept, d)
	}

	death := amqp.Table{
		"count":        count,
		"reason":       reason,
		"queue":        queueName,
		"time":         time.Now().UTC().Truncate(time.Second),
		"exchange":     env.exchange,
		"routing-keys": []any{env.routingKey},
	}
	headers["x-death"] = append([]any{death}, kept...)

	if _, ok := headers["x-first-death-queue"]; !ok {
		headers["x-first-death-queue"] = queueName
		headers["x-first-death-reason"] = reason
		headers["x-first-death-exchange"] = env.exchange
	}
	return headers
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeDirect:
		return pattern == key
	default:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	}
}

// topicMatch implements AMQP topic matching: "*" matches exactly one word and
// "#" matches zero or more.
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func clonePublishing(pub amqp.Publishing) amqp.Publishing {
	pub.Body = append([]byte(nil), pub.Body...)
	if pub.Headers != nil {
		headers := make(amqp.Table, len(pub.Headers))
		for k, v := range pub.Headers {
			headers[k] = v
		}
		pub.Headers = headers
	}
	return pub
}

func generatedName(prefix string) string {
	return prefix + strings.ToLower(ids.CreateULID())
}

func preconditionFailed(format string, args ...any) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.PreconditionFailed,
		Reason: "PRECONDITION_FAILED - " + fmt.Sprintf(format, args...),
		Server: true,
	}
}

func notFound(kind, name string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no %s '%s' in vhost '/'", kind, name),
		Server: true,
	}
}

// inequivalentArg compares declared arguments the way RabbitMQ does and names
// the first differing key.
func inequivalentArg(current, requested amqp.Table) (string, bool) {
	keys := make(map[string]struct{}, len(current)+len(requested))
	for k := range current {
		keys[k] = struct{}{}
	}
	for k := range requested {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		cv, cok := current[k]
		rv, rok := requested[k]
		if cok != rok || fmt.Sprint(cv) != fmt.Sprint(rv) {
			return k, true
		}
	}
	return "", false
}
