package transport

// Capabilities describes what a broker backend guarantees.
type Capabilities struct {
	Name string

	// Durable backends keep queued messages across process restarts.
	Durable bool

	// Shared backends can be reached by several processes. Stages running as
	// separate processes need a shared backend to see each other's events.
	Shared bool
}

var (
	RabbitMQCapabilities = Capabilities{Name: "rabbitmq", Durable: true, Shared: true}
	MemoryCapabilities   = Capabilities{Name: "memory"}
)
