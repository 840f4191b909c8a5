package domain

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a publishing destination.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
)

// KnownPlatforms lists every platform a publisher may be registered for.
var KnownPlatforms = []Platform{PlatformYouTube, PlatformInstagram, PlatformTikTok}

// ParsePlatform returns the platform named by s.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownPlatforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

type QueueTask struct {
	ID                 string
	OwnerID            string
	ContentRef         string
	Platform           Platform
	AccountRef         *string
	ScheduledFor       time.Time
	PublishAt          *time.Time // platform-native publish hint
	Status             Status
	Attempts           int
	LastError          *string
	RemotePostRef      *string
	RemoteScheduledFor *time.Time
	PostedAt           *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type TaskAttempt struct {
	ID         int64
	TaskID     string
	Attempt    int
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    *Status
	Error      *string
}

// RecurringSchedule is a weekly template of posting slots. TimesOfDay are
// zero-padded HH:MM wall-clock times in the caller's location.
type RecurringSchedule struct {
	ID         string
	OwnerID    string
	Platform   Platform
	AccountRef *string
	Weekdays   []int // 0=Sunday
	TimesOfDay []string
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ContentItem is a file discovered in a watched folder.
type ContentItem struct {
	ID             string
	OwnerID        string
	FolderRef      string
	ExternalID     string
	Name           string
	MimeType       string
	SizeBytes      int64
	ThumbnailRef   *string
	Title          *string
	Description    *string
	Tags           []string
	LogoDetected   *bool
	LogoConfidence *float64
	DiscoveredAt   time.Time
}

// FileDescriptor is what a content source reports for one file.
type FileDescriptor struct {
	ID           string
	Name         string
	MimeType     string
	SizeBytes    int64
	ThumbnailRef *string
}

type WatchFolder struct {
	ID         string
	OwnerID    string
	FolderRef  string
	Platform   Platform
	AccountRef *string
	AutoQueue  bool
	Enabled    bool
	CreatedAt  time.Time
}

type Credential struct {
	OwnerID      string
	Platform     Platform
	AccessToken  string
	RefreshToken *string
	ExpiresAt    *time.Time
	AccountRef   *string
	UpdatedAt    time.Time
}

// Valid reports whether the credential can be used at now.
func (c Credential) Valid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

type PublishMetadata struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// PublishRequest is the input handed to a Publisher for one task.
type PublishRequest struct {
	OwnerID       string
	AccountRef    *string
	ContentRef    string
	LocalPath     string
	Metadata      PublishMetadata
	ScheduledHint *time.Time
}

// PublishOutcome is a publisher's structured answer. Success=false is a
// remote rejection; transport failures are returned as errors instead.
type PublishOutcome struct {
	Success      bool
	PostRef      *string
	Error        *string
	ScheduledFor *time.Time
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// Deref returns *p or the zero value when p is nil.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
