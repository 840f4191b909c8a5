// Package publish holds the per-platform publishers and the registry the
// dispatcher resolves them from.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"postflow/internal/domain"
)

// Publisher uploads one file to a platform. A returned error means the call
// itself failed; a refusal by the platform comes back as an outcome with
// Success=false.
type Publisher interface {
	Publish(ctx context.Context, req domain.PublishRequest) (domain.PublishOutcome, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, req domain.PublishRequest) (domain.PublishOutcome, error)

func (f PublisherFunc) Publish(ctx context.Context, req domain.PublishRequest) (domain.PublishOutcome, error) {
	return f(ctx, req)
}

// Registry maps each platform to exactly one publisher. It is filled at
// startup and read-only afterwards.
type Registry struct {
	byPlatform map[domain.Platform]Publisher
}

func NewRegistry() *Registry {
	return &Registry{byPlatform: map[domain.Platform]Publisher{}}
}

func (r *Registry) Register(p domain.Platform, pub Publisher) error {
	if _, err := domain.ParsePlatform(string(p)); err != nil {
		return err
	}
	if _, dup := r.byPlatform[p]; dup {
		return fmt.Errorf("publisher for %s already registered", p)
	}
	r.byPlatform[p] = pub
	return nil
}

func (r *Registry) Lookup(p domain.Platform) (Publisher, error) {
	pub, ok := r.byPlatform[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoPublisher, p)
	}
	return pub, nil
}

// Platforms lists the registered platforms in name order.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.byPlatform))
	for p := range r.byPlatform {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// reply is the JSON answer both webhook and command publishers produce.
type reply struct {
	Success      bool   `json:"success"`
	PostID       string `json:"post_id,omitempty"`
	Error        string `json:"error,omitempty"`
	ScheduledFor string `json:"scheduled_for,omitempty"`
}

func decodeReply(body []byte) (domain.PublishOutcome, error) {
	var rep reply
	if err := json.Unmarshal(body, &rep); err != nil {
		return domain.PublishOutcome{}, fmt.Errorf("invalid publisher reply: %w", err)
	}
	out := domain.PublishOutcome{Success: rep.Success}
	if rep.PostID != "" {
		out.PostRef = domain.Ptr(rep.PostID)
	}
	if rep.Error != "" {
		out.Error = domain.Ptr(rep.Error)
	}
	if rep.ScheduledFor != "" {
		t, err := time.Parse(time.RFC3339, rep.ScheduledFor)
		if err != nil {
			return domain.PublishOutcome{}, fmt.Errorf("invalid scheduled_for %q: %w", rep.ScheduledFor, err)
		}
		out.ScheduledFor = &t
	}
	if !out.Success && out.Error == nil {
		out.Error = domain.Ptr("publisher reported failure")
	}
	return out, nil
}

// envelope is the request metadata sent alongside the file.
type envelope struct {
	OwnerID       string   `json:"owner_id"`
	AccountRef    string   `json:"account_ref,omitempty"`
	ContentRef    string   `json:"content_ref"`
	Title         *string  `json:"title,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ScheduledHint string   `json:"scheduled_for,omitempty"`
}

func newEnvelope(req domain.PublishRequest) envelope {
	env := envelope{
		OwnerID:     req.OwnerID,
		AccountRef:  domain.Deref(req.AccountRef),
		ContentRef:  req.ContentRef,
		Title:       req.Metadata.Title,
		Description: req.Metadata.Description,
		Tags:        req.Metadata.Tags,
	}
	if req.ScheduledHint != nil {
		env.ScheduledHint = req.ScheduledHint.UTC().Format(time.RFC3339)
	}
	return env
}

// Spec is one configured publisher: platform=kind:target.
type Spec struct {
	Platform domain.Platform
	Kind     string
	Target   string
}

// ParseSpecs parses a comma separated list such as
// "youtube=webhook:https://hooks.local/yt,instagram=command:/usr/local/bin/ig".
func ParseSpecs(s string) ([]Spec, error) {
	var specs []Spec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, rest, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("publisher %q: want platform=kind:target", part)
		}
		platform, err := domain.ParsePlatform(name)
		if err != nil {
			return nil, err
		}
		kind, target, ok := strings.Cut(rest, ":")
		if !ok || target == "" {
			return nil, fmt.Errorf("publisher %q: want platform=kind:target", part)
		}
		if kind != "webhook" && kind != "command" {
			return nil, fmt.Errorf("publisher %q: unknown kind %q", part, kind)
		}
		specs = append(specs, Spec{Platform: platform, Kind: kind, Target: target})
	}
	return specs, nil
}

// Build registers one publisher per spec.
func Build(specs []Spec, creds CredentialGetter, opts ...WebhookOption) (*Registry, error) {
	reg := NewRegistry()
	for _, s := range specs {
		var pub Publisher
		switch s.Kind {
		case "webhook":
			pub = NewWebhookPublisher(s.Platform, s.Target, creds, opts...)
		case "command":
			pub = NewCommandPublisher(s.Platform, s.Target, creds)
		default:
			return nil, fmt.Errorf("unknown publisher kind %q", s.Kind)
		}
		if err := reg.Register(s.Platform, pub); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
