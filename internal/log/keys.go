package log

const (
	NamespaceKey = "sdlcflow"

	SessionIDKey = NamespaceKey + ".session.id"

	StageKey    = NamespaceKey + ".stage"
	RevisionKey = NamespaceKey + ".revision"
	PhaseKey    = NamespaceKey + ".phase"
	VerdictKey  = NamespaceKey + ".verdict"

	AttemptKey  = NamespaceKey + ".attempt"
	DurationKey = NamespaceKey + ".duration_ms"

	StoreKey       = NamespaceKey + ".store"
	AbortReasonKey = NamespaceKey + ".abort_reason"
	ArtifactsKey   = NamespaceKey + ".artifacts"
)
