package publish

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/domain"
)

type staticCreds map[domain.Platform]*domain.Credential

func (s staticCreds) Get(_ context.Context, _ string, p domain.Platform) (*domain.Credential, error) {
	return s[p], nil
}

func tempVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video-bytes"), 0o644))
	return path
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := PublisherFunc(func(context.Context, domain.PublishRequest) (domain.PublishOutcome, error) {
		return domain.PublishOutcome{Success: true}, nil
	})
	require.NoError(t, reg.Register(domain.PlatformYouTube, noop))
	require.NoError(t, reg.Register(domain.PlatformInstagram, noop))
	assert.Error(t, reg.Register(domain.PlatformYouTube, noop), "duplicate")
	assert.Error(t, reg.Register("myspace", noop))

	_, err := reg.Lookup(domain.PlatformYouTube)
	assert.NoError(t, err)
	_, err = reg.Lookup(domain.PlatformTikTok)
	assert.ErrorIs(t, err, domain.ErrNoPublisher)

	assert.Equal(t, []domain.Platform{domain.PlatformInstagram, domain.PlatformYouTube}, reg.Platforms())
}

func TestParseSpecs(t *testing.T) {
	specs, err := ParseSpecs("youtube=webhook:https://hooks.local/yt, instagram=command:/usr/local/bin/ig,")
	require.NoError(t, err)
	assert.Equal(t, []Spec{
		{Platform: domain.PlatformYouTube, Kind: "webhook", Target: "https://hooks.local/yt"},
		{Platform: domain.PlatformInstagram, Kind: "command", Target: "/usr/local/bin/ig"},
	}, specs)

	specs, err = ParseSpecs("")
	require.NoError(t, err)
	assert.Empty(t, specs)

	for _, bad := range []string{"youtube", "youtube=webhook", "fax=webhook:x", "youtube=ftp:x"} {
		_, err := ParseSpecs(bad)
		assert.Error(t, err, bad)
	}

	reg, err := Build([]Spec{{Platform: domain.PlatformTikTok, Kind: "command", Target: "/bin/true"}}, staticCreds{})
	require.NoError(t, err)
	assert.Equal(t, []domain.Platform{domain.PlatformTikTok}, reg.Platforms())
}

func TestDecodeReply(t *testing.T) {
	out, err := decodeReply([]byte(`{"success":true,"post_id":"xyz","scheduled_for":"2024-07-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "xyz", domain.Deref(out.PostRef))
	require.NotNil(t, out.ScheduledFor)
	assert.True(t, out.ScheduledFor.Equal(time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)))

	out, err = decodeReply([]byte(`{"success":false}`))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.NotEmpty(t, domain.Deref(out.Error))

	_, err = decodeReply([]byte(`not json`))
	assert.Error(t, err)
}

func TestWebhookPublisher(t *testing.T) {
	var gotAuth, gotFile string
	var gotMeta envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.Unmarshal([]byte(r.FormValue("metadata")), &gotMeta)
		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		body, _ := io.ReadAll(f)
		gotFile = string(body)
		w.Write([]byte(`{"success":true,"post_id":"xyz"}`))
	}))
	defer srv.Close()

	creds := staticCreds{domain.PlatformYouTube: {AccessToken: "tok"}}
	pub := NewWebhookPublisher(domain.PlatformYouTube, srv.URL, creds, WithHTTPClient(srv.Client()))
	hint := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	out, err := pub.Publish(context.Background(), domain.PublishRequest{
		OwnerID:       "u1",
		ContentRef:    "cnt_1",
		LocalPath:     tempVideo(t),
		Metadata:      domain.PublishMetadata{Title: domain.Ptr("Hello"), Tags: []string{"a"}},
		ScheduledHint: &hint,
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "xyz", domain.Deref(out.PostRef))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "video-bytes", gotFile)
	assert.Equal(t, "cnt_1", gotMeta.ContentRef)
	assert.Equal(t, "Hello", domain.Deref(gotMeta.Title))
	assert.Equal(t, "2024-07-01T10:00:00Z", gotMeta.ScheduledHint)
}

func TestWebhookPublisherFailures(t *testing.T) {
	status, reply := http.StatusOK, `{"success":false,"error":"quota exceeded"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(status)
		w.Write([]byte(reply))
	}))
	defer srv.Close()

	creds := staticCreds{domain.PlatformInstagram: {AccessToken: "tok"}}
	pub := NewWebhookPublisher(domain.PlatformInstagram, srv.URL, creds)
	req := domain.PublishRequest{OwnerID: "u1", ContentRef: "c", LocalPath: tempVideo(t)}

	out, err := pub.Publish(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "quota exceeded", domain.Deref(out.Error))

	status, reply = http.StatusForbidden, "forbidden"
	out, err = pub.Publish(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, domain.Deref(out.Error), "403")

	status, reply = http.StatusBadGateway, "upstream down"
	_, err = pub.Publish(context.Background(), req)
	assert.ErrorContains(t, err, "502")

	noCreds := NewWebhookPublisher(domain.PlatformInstagram, srv.URL, staticCreds{})
	_, err = noCreds.Publish(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrNoCredential)

	expired := time.Now().Add(-time.Hour)
	stale := NewWebhookPublisher(domain.PlatformInstagram, srv.URL,
		staticCreds{domain.PlatformInstagram: {AccessToken: "tok", ExpiresAt: &expired}})
	_, err = stale.Publish(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrNoCredential)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	path := filepath.Join(t.TempDir(), "publish.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestCommandPublisher(t *testing.T) {
	script := writeScript(t, `
meta=$(cat)
case "$meta" in *cnt_7*) ;; *) echo "missing metadata" >&2; exit 3 ;; esac
[ -f "$1" ] || exit 4
[ "$POSTFLOW_ACCESS_TOKEN" = "tok" ] || exit 5
echo '{"success":true,"post_id":"vid-9","scheduled_for":"2024-07-02T09:00:00Z"}'
`)
	creds := staticCreds{domain.PlatformYouTube: {AccessToken: "tok"}}
	pub := NewCommandPublisher(domain.PlatformYouTube, script, creds)
	out, err := pub.Publish(context.Background(), domain.PublishRequest{OwnerID: "u1", ContentRef: "cnt_7", LocalPath: tempVideo(t)})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "vid-9", domain.Deref(out.PostRef))
	assert.NotNil(t, out.ScheduledFor)
}

func TestCommandPublisherFailures(t *testing.T) {
	req := domain.PublishRequest{OwnerID: "u1", ContentRef: "c", LocalPath: tempVideo(t)}

	rejected := NewCommandPublisher(domain.PlatformTikTok, writeScript(t, `
echo '{"success":false,"error":"video too long"}'
exit 1
`), nil)
	out, err := rejected.Publish(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "video too long", domain.Deref(out.Error))

	crashed := NewCommandPublisher(domain.PlatformTikTok, writeScript(t, `
echo "boom" >&2
exit 2
`), nil)
	_, err = crashed.Publish(context.Background(), req)
	assert.ErrorContains(t, err, "boom")

	garbled := NewCommandPublisher(domain.PlatformTikTok, writeScript(t, `echo hello`), nil)
	_, err = garbled.Publish(context.Background(), req)
	assert.Error(t, err)
}
