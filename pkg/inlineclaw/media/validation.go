package media

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
)

// Kind is the generic classification a loaded file falls into.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

// photoMimeTypes are stored natively as photos.
var photoMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
}

// videoMimeTypes are stored natively as videos.
var videoMimeTypes = map[string]bool{
	"video/mp4":       true,
	"video/quicktime": true,
	"video/x-m4v":     true,
}

var photoExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".heic": true, ".heif": true,
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".m4v": true,
}

// DetectMimeType uses http.DetectContentType and extension heuristics.
func DetectMimeType(data []byte, filename string) string {
	detected := http.DetectContentType(data)
	ext := strings.ToLower(filepath.Ext(filename))

	// DetectContentType knows nothing about HEIC or QuickTime and reports
	// octet-stream for them.
	if detected == "application/octet-stream" {
		switch ext {
		case ".heic":
			return "image/heic"
		case ".heif":
			return "image/heif"
		case ".mov":
			return "video/quicktime"
		case ".m4v":
			return "video/x-m4v"
		case ".mp3":
			return "audio/mpeg"
		case ".m4a":
			return "audio/mp4"
		case ".pdf":
			return "application/pdf"
		case ".docx":
			return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
		case ".json":
			return "application/json"
		case ".csv":
			return "text/csv"
		}
	}

	if strings.HasPrefix(detected, "text/plain") {
		switch ext {
		case ".json":
			return "application/json"
		case ".csv":
			return "text/csv"
		case ".md":
			return "text/markdown"
		}
	}

	return detected
}

// CategorizeType maps a MIME type to a generic Kind.
func CategorizeType(mimeType string) Kind {
	mimeType = normalizeMime(mimeType)

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return KindAudio
	default:
		return KindDocument
	}
}

// InferUploadKind picks the native upload kind for a file. The detected MIME
// type wins, then the file extension, then the loader's generic kind.
// Anything that is not a supported photo or video becomes a document.
func InferUploadKind(contentType, fileName string, kind Kind) channels.UploadKind {
	if mt := normalizeMime(contentType); mt != "" && mt != "application/octet-stream" {
		switch {
		case photoMimeTypes[mt]:
			return channels.UploadPhoto
		case videoMimeTypes[mt]:
			return channels.UploadVideo
		default:
			return channels.UploadDocument
		}
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	switch {
	case photoExtensions[ext]:
		return channels.UploadPhoto
	case videoExtensions[ext]:
		return channels.UploadVideo
	case ext != "":
		return channels.UploadDocument
	}

	switch kind {
	case KindImage:
		return channels.UploadPhoto
	case KindVideo:
		return channels.UploadVideo
	default:
		return channels.UploadDocument
	}
}

// LooksLikeURL reports whether a media source is a network URL rather than a
// local path.
func LooksLikeURL(source string) bool {
	s := strings.ToLower(strings.TrimSpace(source))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func normalizeMime(mimeType string) string {
	mimeType = strings.Split(mimeType, ";")[0]
	return strings.ToLower(strings.TrimSpace(mimeType))
}
