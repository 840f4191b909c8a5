package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"postflow/internal/domain"
)

// CredentialGetter is the slice of the credential store publishers use.
type CredentialGetter interface {
	Get(ctx context.Context, ownerID string, platform domain.Platform) (*domain.Credential, error)
}

// WebhookPublisher posts the file as multipart/form-data to a URL that
// fronts the platform upload. The owner's token goes in the Authorization
// header and the JSON reply is read as the outcome.
type WebhookPublisher struct {
	platform domain.Platform
	url      string
	creds    CredentialGetter
	client   *http.Client
	now      func() time.Time
}

type WebhookOption func(*WebhookPublisher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) { p.client = c }
}

func NewWebhookPublisher(platform domain.Platform, url string, creds CredentialGetter, opts ...WebhookOption) *WebhookPublisher {
	p := &WebhookPublisher{
		platform: platform,
		url:      url,
		creds:    creds,
		client:   &http.Client{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *WebhookPublisher) Publish(ctx context.Context, req domain.PublishRequest) (domain.PublishOutcome, error) {
	cred, err := p.creds.Get(ctx, req.OwnerID, p.platform)
	if err != nil {
		return domain.PublishOutcome{}, err
	}
	if cred == nil || !cred.Valid(p.now()) {
		return domain.PublishOutcome{}, fmt.Errorf("%s for %s: %w", p.platform, req.OwnerID, domain.ErrNoCredential)
	}

	f, err := os.Open(req.LocalPath)
	if err != nil {
		return domain.PublishOutcome{}, err
	}
	defer f.Close()

	// Stream the body so large videos are never held in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, req, f))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, pr)
	if err != nil {
		pr.Close()
		return domain.PublishOutcome{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("X-Postflow-Platform", string(p.platform))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.PublishOutcome{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.PublishOutcome{}, fmt.Errorf("failed to read response body: %w", err)
	}

	out, decodeErr := decodeReply(body)
	switch {
	case resp.StatusCode >= 500:
		return domain.PublishOutcome{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(body))
	case resp.StatusCode >= 400 && decodeErr != nil:
		// a plain 4xx is the platform refusing the post
		return domain.PublishOutcome{Error: domain.Ptr(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)))}, nil
	case decodeErr != nil:
		return domain.PublishOutcome{}, decodeErr
	}
	if resp.StatusCode >= 400 && out.Success {
		out.Success = false
		out.Error = domain.Ptr(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	return out, nil
}

func writeForm(mw *multipart.Writer, req domain.PublishRequest, f *os.File) error {
	meta, err := json.Marshal(newEnvelope(req))
	if err != nil {
		return err
	}
	if err := mw.WriteField("metadata", string(meta)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(req.LocalPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}
