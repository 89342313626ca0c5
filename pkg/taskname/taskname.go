package taskname

const (
	// Colony result notifications, consumed by producers
	ColonyTaskCompleted = "colony:task:completed"
	ColonyTaskFailed    = "colony:task:failed"

	// Periodic stuck-task sweep (asynq sweep mode)
	ColonySweep = "colony:sweep"

	SweepQueue = "colony:sweep"
)

// Commands understood by the media workers. The queue itself treats commands
// as opaque strings; these are here so producers share one spelling.
const (
	CommandUpscaleVideo  = "upscale_video"
	CommandGenerateImage = "generate_image"
	CommandGenerateVideo = "generate_video"
	CommandGenerateText  = "generate_text"
)
