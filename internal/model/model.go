package model

type AppKind string

type StoreKind string

type QueueKind string

type SessionKind string

type EventsKind string

const (
	AppName = "provisioner"

	AppKindWorker AppKind = "worker"
	AppKindClient AppKind = "client"

	StoreKindMemory StoreKind = "memory"
	StoreKindBadger StoreKind = "badger"

	QueueKindChannel   QueueKind = "channel"
	QueueKindJetStream QueueKind = "jetstream"

	SessionKindMemory SessionKind = "memory"
	SessionKindNatsKV SessionKind = "nats-kv"

	EventsKindMemory EventsKind = "memory"
	EventsKindNats   EventsKind = "nats"

	LogLevelInfo  = 0
	LogLevelDebug = 1
	LogLevelTrace = 2

	// InstallerNodeName is never matched by a nodespec expansion for deletion.
	InstallerNodeName = "installer"
)

// AppKinds returns the supported provisioner app kinds
func AppKinds() []AppKind { return []AppKind{AppKindWorker, AppKindClient} }

// StoreKinds returns the supported node request store backends
func StoreKinds() []StoreKind { return []StoreKind{StoreKindMemory, StoreKindBadger} }
