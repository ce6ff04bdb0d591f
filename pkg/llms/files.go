package llms

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

// LoadFiles prepares file references for a multi-modal query. Remote URLs
// are passed through as image URLs for the provider to fetch. Local images
// become base64 data URLs and local PDFs are expanded into one text part
// per page.
func LoadFiles(refs []string) ([]ContentPart, error) {
	var parts []ContentPart
	for _, ref := range refs {
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			parts = append(parts, ContentPart{
				Type:     "image_url",
				ImageURL: &ImageURL{URL: ref, Detail: "low"},
			})
			continue
		}

		if strings.EqualFold(filepath.Ext(ref), ".pdf") {
			pages, err := pdfPages(ref)
			if err != nil {
				return nil, err
			}
			parts = append(parts, pages...)
			continue
		}

		part, err := imagePart(ref)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, nil
}

func imagePart(path string) (ContentPart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ContentPart{}, apierror.Validation("cannot read file %s: %v", path, err)
	}

	mediaType := detectImageMediaType(data)
	if mediaType == "" {
		return ContentPart{}, apierror.Validation("unsupported file type for %s", path)
	}

	url := fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data))
	return ContentPart{
		Type:     "image_url",
		ImageURL: &ImageURL{URL: url, Detail: "low"},
	}, nil
}

func pdfPages(path string) ([]ContentPart, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, apierror.Validation("cannot read PDF %s: %v", path, err)
	}
	defer file.Close()

	var parts []ContentPart
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		parts = append(parts, ContentPart{Type: "text", Text: text})
	}
	return parts, nil
}

// detectImageMediaType detects the MIME type of an image from its magic
// number. Returns "" when the bytes are not a recognized image format.
func detectImageMediaType(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	detected := http.DetectContentType(data)
	if strings.HasPrefix(detected, "image/") {
		return detected
	}

	if len(data) >= 4 {
		if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
			return "image/png"
		}
		if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
			return "image/jpeg"
		}
	}

	return ""
}
