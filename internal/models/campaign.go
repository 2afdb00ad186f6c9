package models

import "time"

// BroadcastCampaign status values.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
	CampaignCancelled = "cancelled"
)

// Campaign target selector kinds.
const (
	SelectorEveryone = "everyone"
	SelectorSubject  = "subject" // SelectorArg is one subject id
	SelectorList     = "list"    // SelectorArg is a JSON array of subject ids
	SelectorGroup    = "group"   // SelectorArg is a named group
)

// DeliveryRecord status values.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliveryBlocked = "blocked"
)

// Recipient is a known deliverable subject. Unreachable recipients are
// pruned from every future audience resolution.
type Recipient struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SubjectID   string `gorm:"size:64;not null;uniqueIndex"`
	ChannelID   string `gorm:"size:128;not null"`
	Platform    string `gorm:"size:16;default:discord"`
	GroupName   string `gorm:"size:64;index"`
	Credits     int    `gorm:"default:0"`
	Unreachable bool   `gorm:"default:false;index"`
	CreatedAt   time.Time
}

// BroadcastCampaign is a one-to-many message definition. Only one worker
// may transition a campaign from scheduled to sending; the claim is
// atomic with respect to concurrent schedulers.
type BroadcastCampaign struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Title       string    `gorm:"size:256;not null"`
	Body        string    `gorm:"type:text;not null"`
	PhotoURL    string    `gorm:"size:512"`
	Selector    string    `gorm:"size:16;default:everyone"`
	SelectorArg string    `gorm:"type:text"`
	Status      string    `gorm:"size:16;default:draft;index"`
	ScheduledAt time.Time `gorm:"index"`
	SentAt      *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Deliveries []DeliveryRecord `gorm:"foreignKey:CampaignID;constraint:OnDelete:CASCADE"`
}

// DeliveryRecord is the durable ledger entry for one (campaign,
// recipient) pair. A recipient already sent or blocked is never
// re-targeted by a resume.
type DeliveryRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	CampaignID  uint   `gorm:"not null;uniqueIndex:uk_delivery_campaign_recipient"`
	RecipientID uint   `gorm:"not null;uniqueIndex:uk_delivery_campaign_recipient"`
	Status      string `gorm:"size:16;default:pending;index"`
	Error       string `gorm:"type:text"`
	RetryCount  int    `gorm:"default:0"`
	MaxRetries  int    `gorm:"default:3"`
	SentAt      *time.Time
	ExternalRef string `gorm:"size:128"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Recipient Recipient `gorm:"foreignKey:RecipientID"`
}
