package media

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/angelmondragon/invitely-backend/pkg/enums"
)

type mimeGroup string

const (
	mimeGroupPhotos mimeGroup = "photos"
	mimeGroupImages mimeGroup = "images"
	mimeGroupVideos mimeGroup = "videos"
	mimeGroupPDFs   mimeGroup = "pdfs"
)

var mimeGroupNames = map[mimeGroup]string{
	mimeGroupPhotos: "JPEG or PNG images",
	mimeGroupImages: "images",
	mimeGroupVideos: "videos",
	mimeGroupPDFs:   "PDFs",
}

var mimeGroupTypes = map[mimeGroup][]string{
	mimeGroupPhotos: {"image/jpeg", "image/jpg", "image/png"},
	mimeGroupImages: {"image/jpeg", "image/jpg", "image/png", "image/webp", "image/gif"},
	mimeGroupVideos: {"video/mp4", "video/quicktime", "video/webm"},
	mimeGroupPDFs:   {"application/pdf"},
}

var allowedMimeGroupsByKind = map[enums.MediaKind][]mimeGroup{
	enums.MediaKindEventPhoto: {mimeGroupPhotos},
	enums.MediaKindThemeAsset: {mimeGroupImages, mimeGroupPDFs, mimeGroupVideos},
}

// parseDeclaredMime normalizes a client supplied Content-Type.
func parseDeclaredMime(value string) (string, error) {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return "", fmt.Errorf("mime type required")
	}
	mediaType, _, err := mime.ParseMediaType(clean)
	if err != nil {
		return "", fmt.Errorf("mime type invalid: %w", err)
	}
	if mediaType == "" {
		return "", fmt.Errorf("mime type missing")
	}
	return strings.ToLower(mediaType), nil
}

// detectFileMime sniffs the content type from the file signature.
func detectFileMime(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	return baseMime(mt.String()), nil
}

// detectMime sniffs the content type of an in-memory buffer.
func detectMime(data []byte) string {
	return baseMime(mimetype.Detect(data).String())
}

func baseMime(value string) string {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return strings.ToLower(strings.TrimSpace(value))
}

func isAllowedMime(kind enums.MediaKind, mimeType string) bool {
	mimeType = baseMime(mimeType)
	for _, group := range allowedMimeGroupsByKind[kind] {
		for _, candidate := range mimeGroupTypes[group] {
			if candidate == mimeType {
				return true
			}
		}
	}
	return false
}

func allowedMimeDescription(kind enums.MediaKind) string {
	groups := allowedMimeGroupsByKind[kind]
	names := make([]string, 0, len(groups))
	for _, group := range groups {
		names = append(names, mimeGroupNames[group])
	}
	switch len(names) {
	case 0:
		return "the approved mime types"
	case 1:
		return names[0]
	case 2:
		return fmt.Sprintf("%s or %s", names[0], names[1])
	default:
		return fmt.Sprintf("%s, or %s", strings.Join(names[:len(names)-1], ", "), names[len(names)-1])
	}
}

// themeFolder routes a theme asset into its object-store folder by content type.
func themeFolder(mimeType string) string {
	m := baseMime(mimeType)
	switch {
	case strings.HasPrefix(m, "video/"):
		return "user-themes/Video"
	case m == "application/pdf":
		return "user-themes/Card"
	case strings.HasPrefix(m, "image/"):
		return "user-themes/SaveTheDate"
	default:
		return "user-themes/Other"
	}
}
