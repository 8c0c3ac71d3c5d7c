package orderflow

import (
	"github.com/drblury/orderflow/internal/dlq"
	"github.com/drblury/orderflow/internal/envelope"
	"github.com/drblury/orderflow/internal/intake"
	runtimepkg "github.com/drblury/orderflow/internal/runtime"
	configpkg "github.com/drblury/orderflow/internal/runtime/config"
	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	idspkg "github.com/drblury/orderflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/orderflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/orderflow/internal/runtime/metadata"
	"github.com/drblury/orderflow/internal/store"
	"github.com/drblury/orderflow/internal/store/backend"
	"github.com/drblury/orderflow/internal/topology"
	"github.com/drblury/orderflow/internal/transition"
	brokertransport "github.com/drblury/orderflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Producer            = runtimepkg.Producer
	BrokerProducer      = runtimepkg.BrokerProducer

	Envelope  = envelope.Envelope
	EventType = envelope.Type
	Stage     = topology.Stage

	Store       = store.Store
	Record      = store.Record
	StoreResult = store.Result

	Applier          = transition.Applier
	TransitionOption = transition.Option

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	StageInfo  = runtimepkg.StageInfo
	StageStats = runtimepkg.StageStats

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Stage and DLQ metrics
	StageMetrics = runtimepkg.StageMetrics
	StageCounts  = runtimepkg.StageCounts

	// Failure classification
	DeliveryError = errspkg.DeliveryError
	ErrorKind     = errspkg.Kind

	IntakeHandler = intake.Handler
	DLQInspector  = dlq.Inspector

	TransportRegistry     = brokertransport.Registry
	TransportCapabilities = brokertransport.Capabilities
	TransportDialer       = brokertransport.Dialer
)

var (
	NewService     = runtimepkg.NewService
	NewProducer    = runtimepkg.NewProducer
	OpenProducer   = runtimepkg.OpenProducer
	DefaultConfig  = configpkg.Default
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig
	OpenStore      = backend.Open

	NewIntakeHandler = intake.NewHandler
	ServeIntake      = intake.Serve
	NewDLQInspector  = dlq.NewInspector

	LookupStage      = topology.Lookup
	Stages           = topology.Stages
	DeclareTopology  = topology.Declare
	ForStage         = transition.ForStage
	WithClock        = transition.WithClock
	WithTracking     = transition.WithTrackingNumbers
	DecodeEnvelope   = envelope.Decode
	EncodeEnvelope   = envelope.Encode
	NewStageMetrics  = runtimepkg.NewStageMetrics
	MetricsHandler   = runtimepkg.MetricsHandler
	ClassifyError    = errspkg.Classify
	RejectDelivery   = errspkg.Reject
	RejectionReason  = runtimepkg.RejectionReason
	TrackingNumber   = idspkg.TrackingNumber
	CreateULID       = idspkg.CreateULID
	DefaultTransport = brokertransport.DefaultRegistry

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	OutcomeMiddleware       = runtimepkg.OutcomeMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrStageRequired     = errspkg.ErrStageRequired
	ErrStoreRequired     = errspkg.ErrStoreRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrConnectivity      = errspkg.ErrConnectivity
	ErrDecode            = errspkg.ErrDecode
	ErrSimulatedFailure  = errspkg.ErrSimulatedFailure
	ErrPersistence       = errspkg.ErrPersistence
	ErrPublish           = errspkg.ErrPublish

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewJSONServiceLogger = loggingpkg.NewJSONServiceLogger
	NopLogger            = loggingpkg.NopLogger
)

// Event types, in chain order.
const (
	OrderCreated      = envelope.OrderCreated
	PaymentAuthorized = envelope.PaymentAuthorized
	InventoryReserved = envelope.InventoryReserved
	ShippingReady     = envelope.ShippingReady
)

// Broker names.
const (
	Exchange           = topology.Exchange
	DeadLetterExchange = topology.DeadLetterExchange
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyOrderID       = metadatapkg.KeyOrderID
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeyProducer      = metadatapkg.KeyProducer
)

// Failure kinds recorded on dead-lettered deliveries.
const (
	ErrorKindDecode      = errspkg.KindDecode
	ErrorKindSimulated   = errspkg.KindSimulated
	ErrorKindPersistence = errspkg.KindPersistence
	ErrorKindPublish     = errspkg.KindPublish
	ErrorKindOther       = errspkg.KindOther
)

// Store results.
const (
	Applied        = store.Applied
	AlreadyApplied = store.AlreadyApplied
)
