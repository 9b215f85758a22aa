package astimsg

const (
	DeltaStatNameAllocatedMessages = "astimsg.allocated.messages"
	DeltaStatNameMergedMessages    = "astimsg.merged.messages"
	DeltaStatNameProcessedRate     = "astimsg.processed.rate"
)
