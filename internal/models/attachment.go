package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Attachment is an asset the user attached to a message. Path points at a
// local file still to be uploaded; URL is set once the asset is hosted.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
	Path        string `json:"path,omitempty"`
}

// Uploaded reports whether the asset already has a public URL.
func (a Attachment) Uploaded() bool {
	return a.URL != ""
}

// IsImage reports whether the attachment should render inline as an image.
func (a Attachment) IsImage() bool {
	if a.ContentType != "" {
		return strings.HasPrefix(a.ContentType, "image/")
	}
	switch strings.ToLower(filepath.Ext(a.displayName())) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg":
		return true
	}
	return false
}

func (a Attachment) displayName() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Path != "" {
		return filepath.Base(a.Path)
	}
	return filepath.Base(a.URL)
}

// Markdown renders the attachment as a markdown image or file link.
func (a Attachment) Markdown() string {
	name := strings.NewReplacer("[", "(", "]", ")").Replace(a.displayName())
	if a.IsImage() {
		return fmt.Sprintf("![%s](%s)", name, a.URL)
	}
	return fmt.Sprintf("[%s](%s)", name, a.URL)
}

// ComposeText appends uploaded attachments to the user's text, one link per
// line. Attachments without a URL are skipped.
func ComposeText(text string, attachments []Attachment) string {
	var links []string
	for _, a := range attachments {
		if !a.Uploaded() {
			continue
		}
		links = append(links, a.Markdown())
	}
	text = strings.TrimSpace(text)
	if len(links) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(links, "\n")
	}
	return text + "\n\n" + strings.Join(links, "\n")
}
