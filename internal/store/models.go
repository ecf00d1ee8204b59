package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Provider identifies the telephony network a phone number lives on.
type Provider string

const (
	ProviderExotel Provider = "EXOTEL"
	ProviderPlivo  Provider = "PLIVO"
	ProviderTwilio Provider = "TWILIO"
	ProviderVonage Provider = "VONAGE"
)

// ParseProvider maps a route segment or stored value onto the enum.
func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToUpper(s)) {
	case ProviderExotel:
		return ProviderExotel, nil
	case ProviderPlivo:
		return ProviderPlivo, nil
	case ProviderTwilio:
		return ProviderTwilio, nil
	case ProviderVonage:
		return ProviderVonage, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Route returns the lowercase form used in webhook paths and config lookups.
func (p Provider) Route() string {
	return strings.ToLower(string(p))
}

type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// CallStatus is the canonical lifecycle vocabulary. Provider statuses are
// mapped onto it; unrecognized values pass through upper-cased.
type CallStatus string

const (
	StatusRinging     CallStatus = "RINGING"
	StatusConnecting  CallStatus = "CONNECTING"
	StatusInProgress  CallStatus = "IN_PROGRESS"
	StatusCompleted   CallStatus = "COMPLETED"
	StatusFailed      CallStatus = "FAILED"
	StatusNoAnswer    CallStatus = "NO_ANSWER"
	StatusTransferred CallStatus = "TRANSFERRED"
)

// Terminal reports whether no further status writes are accepted.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusTransferred:
		return true
	}
	return false
}

type TranscriptRole string

const (
	RoleCaller TranscriptRole = "CALLER"
	RoleAgent  TranscriptRole = "AGENT"
)

// ParseRole validates a transcript speaker role from a callback payload.
func ParseRole(s string) (TranscriptRole, error) {
	switch TranscriptRole(strings.ToUpper(s)) {
	case RoleCaller:
		return RoleCaller, nil
	case RoleAgent:
		return RoleAgent, nil
	}
	return "", fmt.Errorf("unknown transcript role %q", s)
}

type Sentiment string

const (
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentNegative Sentiment = "NEGATIVE"
)

// ParseSentiment validates an end-of-call sentiment label. Sentiment is
// optional, so empty input parses to the zero value.
func ParseSentiment(s string) (Sentiment, error) {
	if s == "" {
		return "", nil
	}
	switch Sentiment(strings.ToUpper(s)) {
	case SentimentPositive:
		return SentimentPositive, nil
	case SentimentNeutral:
		return SentimentNeutral, nil
	case SentimentNegative:
		return SentimentNegative, nil
	}
	return "", fmt.Errorf("unknown sentiment %q", s)
}

// Tenant is a business account. DataRetentionDays drives Caller.ExpiresAt.
type Tenant struct {
	ID                string    `json:"id" gorm:"type:uuid;primaryKey"`
	Name              string    `json:"name" gorm:"size:255;not null"`
	DataRetentionDays int       `json:"dataRetentionDays" gorm:"not null;default:30"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	ensureID(&t.ID)
	return nil
}

// PhoneNumber belongs to exactly one tenant and resolves inbound calls.
type PhoneNumber struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID  string    `json:"tenantId" gorm:"type:uuid;not null;index"`
	Tenant    Tenant    `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	Number    string    `json:"number" gorm:"size:32;uniqueIndex;not null"`
	Provider  Provider  `json:"provider" gorm:"size:16;not null"`
	CreatedAt time.Time `json:"createdAt"`
}

func (n *PhoneNumber) BeforeCreate(tx *gorm.DB) error {
	ensureID(&n.ID)
	return nil
}

// Caller is an external party, unique per (tenant, phone number).
// Unsaved callers carry a non-null ExpiresAt; saving clears it.
type Caller struct {
	ID          string     `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID    string     `json:"tenantId" gorm:"type:uuid;not null;uniqueIndex:uniq_callers_tenant_phone"`
	Tenant      Tenant     `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	PhoneNumber string     `json:"phoneNumber" gorm:"size:32;not null;uniqueIndex:uniq_callers_tenant_phone"`
	Name        string     `json:"name,omitempty" gorm:"size:255"`
	Email       string     `json:"email,omitempty" gorm:"size:255"`
	Preferences JSONMap    `json:"preferences,omitempty" gorm:"type:json"`
	Metadata    JSONMap    `json:"metadata,omitempty" gorm:"type:json"`
	TotalCalls  int        `json:"totalCalls" gorm:"not null;default:1"`
	FirstCallAt time.Time  `json:"firstCallAt"`
	LastCallAt  time.Time  `json:"lastCallAt"`
	IsSaved     bool       `json:"isSaved" gorm:"not null;default:false;index"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty" gorm:"index"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (c *Caller) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

// Call is one phone call. ExternalID is the provider-assigned call id,
// null until the provider hands one out, globally unique once set.
type Call struct {
	ID             string     `json:"id" gorm:"type:uuid;primaryKey"`
	ExternalID     *string    `json:"externalId,omitempty" gorm:"size:128;uniqueIndex"`
	TenantID       string     `json:"tenantId" gorm:"type:uuid;not null;index"`
	PhoneNumberID  string     `json:"phoneNumberId" gorm:"type:uuid;not null"`
	CallerID       string     `json:"callerId" gorm:"type:uuid;not null;index"`
	Caller         *Caller    `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	Direction      Direction  `json:"direction" gorm:"size:8;not null"`
	Status         CallStatus `json:"status" gorm:"size:16;not null"`
	StartedAt      time.Time  `json:"startedAt"`
	AnsweredAt     *time.Time `json:"answeredAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	DurationSecs   int        `json:"durationSecs"`
	Summary        string     `json:"summary,omitempty" gorm:"type:text"`
	Sentiment      Sentiment  `json:"sentiment,omitempty" gorm:"size:8"`
	ConversationID string     `json:"conversationId,omitempty" gorm:"size:128;index"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`

	Extractions []Extraction `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

func (c *Call) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

// Transcript is one utterance. Append-only, ordered by SpokenAt with
// insertion time as tiebreak.
type Transcript struct {
	ID         string         `json:"id" gorm:"type:uuid;primaryKey"`
	CallID     string         `json:"callId" gorm:"type:uuid;not null;index"`
	Call       *Call          `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	Role       TranscriptRole `json:"role" gorm:"size:8;not null"`
	Content    string         `json:"content" gorm:"type:text;not null"`
	Confidence *float64       `json:"confidence,omitempty"`
	SpokenAt   time.Time      `json:"spokenAt" gorm:"not null;index"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (t *Transcript) BeforeCreate(tx *gorm.DB) error {
	ensureID(&t.ID)
	return nil
}

// Extraction is one structured-data record pulled from a call. The Data
// payload is opaque; consumers pattern-match on Type.
type Extraction struct {
	ID         string    `json:"id" gorm:"type:uuid;primaryKey"`
	CallID     string    `json:"callId" gorm:"type:uuid;not null;index"`
	Type       string    `json:"type" gorm:"size:64;not null"`
	Data       JSONMap   `json:"data" gorm:"type:json"`
	Confidence *float64  `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (e *Extraction) BeforeCreate(tx *gorm.DB) error {
	ensureID(&e.ID)
	return nil
}

// AgentConfig is the one-per-tenant agent persona and provider selection.
// Provider API keys are stored sealed; pkg/crypto opens them on demand.
type AgentConfig struct {
	ID           string `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID     string `json:"tenantId" gorm:"type:uuid;not null;uniqueIndex"`
	Tenant       Tenant `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	SystemPrompt string `json:"systemPrompt" gorm:"type:text;not null"`
	Greeting     string `json:"greeting,omitempty" gorm:"type:text"`
	FallbackText string `json:"fallbackText,omitempty" gorm:"type:text"`
	VoiceID      string `json:"voiceId,omitempty" gorm:"size:128"`
	Language     string `json:"language" gorm:"size:16;default:'en-US'"`

	TelephonyProvider Provider `json:"telephonyProvider" gorm:"size:16;default:'EXOTEL'"`

	STTProvider string `json:"sttProvider,omitempty" gorm:"size:32"`
	TTSProvider string `json:"ttsProvider,omitempty" gorm:"size:32"`
	LLMProvider string `json:"llmProvider,omitempty" gorm:"size:32"`
	LLMModel    string `json:"llmModel,omitempty" gorm:"size:64"`

	STTKeySealed string `json:"-" gorm:"type:text"`
	TTSKeySealed string `json:"-" gorm:"type:text"`
	LLMKeySealed string `json:"-" gorm:"type:text"`

	MemoryEnabled       bool `json:"memoryEnabled" gorm:"default:true"`
	ExtractionEnabled   bool `json:"extractionEnabled" gorm:"default:true"`
	RecordingEnabled    bool `json:"recordingEnabled" gorm:"default:false"`
	MaxCallDurationSecs int  `json:"maxCallDurationSecs" gorm:"default:600"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (a *AgentConfig) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}

// Recording points at a provider-hosted media URL. No media is proxied.
type Recording struct {
	ID           string    `json:"id" gorm:"type:uuid;primaryKey"`
	CallID       string    `json:"callId" gorm:"type:uuid;not null;index"`
	Call         *Call     `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	URL          string    `json:"url" gorm:"size:1024;not null"`
	DurationSecs int       `json:"durationSecs"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (r *Recording) BeforeCreate(tx *gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// WebhookLog keeps the raw payload of every authenticated provider
// webhook for operator debugging.
type WebhookLog struct {
	ID         string    `json:"id" gorm:"type:uuid;primaryKey"`
	Provider   Provider  `json:"provider" gorm:"size:16;not null;index"`
	Kind       string    `json:"kind" gorm:"size:16;not null"`
	ExternalID string    `json:"externalId,omitempty" gorm:"size:128;index"`
	Payload    JSONMap   `json:"payload" gorm:"type:json"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func (w *WebhookLog) BeforeCreate(tx *gorm.DB) error {
	ensureID(&w.ID)
	return nil
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}
