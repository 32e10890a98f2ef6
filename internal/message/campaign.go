package message

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus is the lifecycle state of a batch send job.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignExecuting CampaignStatus = "executing"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// CampaignProgress counts per-recipient outcomes while a dispatch runs.
type CampaignProgress struct {
	Processed int     `json:"processed"`
	Sent      int     `json:"sent"`
	Errors    int     `json:"errors"`
	Percent   float64 `json:"percent"`
}

// CampaignTotals aggregates delivery outcomes after reconciliation.
type CampaignTotals struct {
	Delivered int     `json:"delivered"`
	Read      int     `json:"read"`
	Responded int     `json:"responded"`
	Cost      float64 `json:"cost"`
}

// Campaign is a named batch send tied to a template and an audience
// selection expressed as named segments.
type Campaign struct {
	ID         uuid.UUID        `json:"id"`
	Name       string           `json:"name"`
	Status     CampaignStatus   `json:"status"`
	Segments   []string         `json:"segments"`
	Channels   []Channel        `json:"channels"`
	TemplateID string           `json:"template_id"`
	Priority   Priority         `json:"priority,omitempty"`
	Progress   CampaignProgress `json:"progress"`
	Totals     CampaignTotals   `json:"totals"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Clone returns a deep copy sharing no mutable state with c.
func (c *Campaign) Clone() *Campaign {
	out := *c
	out.Segments = append([]string(nil), c.Segments...)
	out.Channels = append([]Channel(nil), c.Channels...)
	out.StartedAt = cloneTime(c.StartedAt)
	out.FinishedAt = cloneTime(c.FinishedAt)
	return &out
}

// NewCampaign builds a draft campaign.
func NewCampaign(name string, segments []string, channels []Channel, templateID string) *Campaign {
	return &Campaign{
		ID:         uuid.New(),
		Name:       name,
		Status:     CampaignDraft,
		Segments:   segments,
		Channels:   channels,
		TemplateID: templateID,
		CreatedAt:  time.Now(),
	}
}
