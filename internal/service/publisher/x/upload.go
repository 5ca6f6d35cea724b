package x

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/ifuryst/herald/internal/service/publisher"
)

type uploadResponse struct {
	MediaIDString string `json:"media_id_string"`
}

// uploadMedia fetches the referenced file and uploads it, returning the media id.
func (p *Publisher) uploadMedia(ctx context.Context, cred publisher.Credential, ref string) (string, error) {
	if p.media == nil {
		return "", errors.New("no media fetcher configured")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
	defer cancel()

	obj, err := p.media.Fetch(ctx, ref)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("media", obj.Name)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(obj.Data); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	status, raw, err := p.do(ctx, cred, http.MethodPost, p.cfg.UploadURL, &buf, writer.FormDataContentType())
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", classify(status, raw)
	}

	var resp uploadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("undecodable upload response: %w", err)
	}
	if resp.MediaIDString == "" {
		return "", errors.New("upload response has no media id")
	}
	return resp.MediaIDString, nil
}
