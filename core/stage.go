package core

// Stage identifies one phase of the delivery pipeline.
type Stage string

const (
	StageRequirements   Stage = "requirements"
	StageUserStories    Stage = "user_stories"
	StageDesignDoc      Stage = "design_doc"
	StageCode           Stage = "code"
	StageSecurityReview Stage = "security_review"
	StageTests          Stage = "tests"
)

// Stages lists all known stages in pipeline order.
func Stages() []Stage {
	return []Stage{
		StageRequirements,
		StageUserStories,
		StageDesignDoc,
		StageCode,
		StageSecurityReview,
		StageTests,
	}
}

func (s Stage) String() string {
	return string(s)
}
