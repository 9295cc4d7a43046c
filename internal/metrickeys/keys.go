package metrickeys

const (
	Prefix = "sdlcflow."

	// Sessions
	SessionCreated = Prefix + "session.created"
	SessionResumed = Prefix + "session.resumed"

	SessionCacheSize     = Prefix + "session.cache.size"
	SessionCacheEviction = Prefix + "session.cache.eviction"

	// Generation
	ArtifactGenerated = Prefix + "generation.artifact_generated"
	GenerationRetried = Prefix + "generation.retried"
	GenerationFailed  = Prefix + "generation.failed"
	GenerationTime    = Prefix + "generation.time"

	// Review
	VerdictReceived = Prefix + "review.verdict_received"
	StageApproved   = Prefix + "review.stage_approved"
	StageRejected   = Prefix + "review.stage_rejected"

	// Workflow
	WorkflowCompleted = Prefix + "workflow.completed"
	WorkflowAborted   = Prefix + "workflow.aborted"

	// Publishing
	PublishSucceeded = Prefix + "publish.succeeded"
	PublishFailed    = Prefix + "publish.failed"
)

// Tag names
const (
	// Store backend being used
	Store = "store"

	Stage   = "stage"
	Verdict = "verdict"

	// Reason for evicting an entry from the session engine cache
	EvictionReason = "reason"
)
