package eventbus

// Campaign event types.
const (
	CampaignStarted  = "campaign.started"
	CampaignProgress = "campaign.progress"
	CampaignFinished = "campaign.finished"
	ConfigReloaded   = "config.reloaded"
)

// CampaignEvent is the Data of every campaign.* event.
type CampaignEvent struct {
	CampaignID int64  `json:"campaign_id"`
	RunID      string `json:"run_id"`
	OperatorID int64  `json:"operator_id"`
	Status     string `json:"status"`
	Sent       int64  `json:"sent"`
	Failed     int64  `json:"failed"`
	Total      int64  `json:"total"`
	Error      string `json:"error,omitempty"`
}
