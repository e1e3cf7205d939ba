package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
)

type uploadResult struct {
	FileUniqueID string `json:"fileUniqueId"`
	PhotoID      int64  `json:"photoId"`
	VideoID      int64  `json:"videoId"`
	DocumentID   int64  `json:"documentId"`
}

// mediaID picks the id sendMessage expects for the uploaded kind.
func (r uploadResult) mediaID(kind channels.UploadKind) string {
	var id int64
	switch kind {
	case channels.UploadPhoto:
		id = r.PhotoID
	case channels.UploadVideo:
		id = r.VideoID
	default:
		id = r.DocumentID
	}
	if id != 0 {
		return strconv.FormatInt(id, 10)
	}
	return r.FileUniqueID
}

// UploadFile sends a file to <APIBaseURL>/uploadFile and returns the id to
// reference it by in SendRequest.MediaID.
func (b *Bridge) UploadFile(ctx context.Context, up channels.Upload) (string, error) {
	if len(up.Data) == 0 {
		return "", fmt.Errorf("inline upload: file data is required")
	}
	if up.Kind == "" {
		up.Kind = channels.UploadDocument
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("type", string(up.Kind))

	filename := up.FileName
	if filename == "" {
		filename = "file"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("inline upload: creating form file: %w", err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return "", fmt.Errorf("inline upload: writing file data: %w", err)
	}
	w.Close()

	url := strings.TrimRight(b.cfg.APIBaseURL, "/") + "/uploadFile"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("inline upload: creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+b.cfg.Token)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("inline upload: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("inline upload: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		OK          bool         `json:"ok"`
		Result      uploadResult `json:"result"`
		Error       string       `json:"error"`
		Description string       `json:"description"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("inline upload: decoding response: %w", err)
	}
	if !result.OK {
		msg := result.Description
		if msg == "" {
			msg = result.Error
		}
		return "", fmt.Errorf("inline upload: %s", msg)
	}

	id := result.Result.mediaID(up.Kind)
	if id == "" {
		return "", fmt.Errorf("inline upload: response carried no file id")
	}
	b.logger.Debug("file uploaded", "kind", up.Kind, "name", filename, "size", len(up.Data))
	return id, nil
}
