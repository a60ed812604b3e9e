package startcampaign

import "hike-coordinator/internal/common/validation"

type Input struct {
	HikeID int64  `json:"hikeId"`
	Phase  string `json:"phase"`
}

type Output struct {
	CampaignID       string `json:"campaignId,omitempty"`
	AlreadyCompleted bool   `json:"campaignAlreadyCompleted"`
}

// Process variables carry more than this worker reads, so extra properties
// are allowed.
var inputSchema = validation.MustCompile(`{
	"type": "object",
	"required": ["hikeId", "phase"],
	"properties": {
		"hikeId": {"type": "integer", "minimum": 1},
		"phase": {"type": "string", "enum": ["voting", "signup", "waiver"]}
	}
}`)
