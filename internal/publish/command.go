package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"postflow/internal/domain"
)

// CommandPublisher runs an executable once per post:
//
//	<path> <localPath>
//
// The request metadata is written to stdin as JSON, the owner's access
// token (when one is stored) is exported as POSTFLOW_ACCESS_TOKEN, and the
// command prints the JSON reply on stdout.
type CommandPublisher struct {
	platform domain.Platform
	path     string
	creds    CredentialGetter
}

func NewCommandPublisher(platform domain.Platform, path string, creds CredentialGetter) *CommandPublisher {
	return &CommandPublisher{platform: platform, path: path, creds: creds}
}

func (p *CommandPublisher) Publish(ctx context.Context, req domain.PublishRequest) (domain.PublishOutcome, error) {
	meta, err := json.Marshal(newEnvelope(req))
	if err != nil {
		return domain.PublishOutcome{}, err
	}

	cmd := exec.CommandContext(ctx, p.path, req.LocalPath)
	cmd.Stdin = bytes.NewReader(meta)
	cmd.Env = append(os.Environ(), "POSTFLOW_PLATFORM="+string(p.platform))
	if p.creds != nil {
		cred, err := p.creds.Get(ctx, req.OwnerID, p.platform)
		if err != nil {
			return domain.PublishOutcome{}, err
		}
		if cred != nil {
			cmd.Env = append(cmd.Env, "POSTFLOW_ACCESS_TOKEN="+cred.AccessToken)
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	out, decodeErr := decodeReply(bytes.TrimSpace(stdout.Bytes()))
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && decodeErr == nil && !out.Success {
			return out, nil
		}
		return domain.PublishOutcome{}, fmt.Errorf("command error: %v; out=%s", runErr, strings.TrimSpace(stderr.String()))
	}
	if decodeErr != nil {
		return domain.PublishOutcome{}, decodeErr
	}
	return out, nil
}
