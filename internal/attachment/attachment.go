// Package attachment finds PDF attachments inside Gmail message part trees
// and turns fetched attachment bytes into archive entries.
package attachment

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	gmail "google.golang.org/api/gmail/v1"
)

// Ref identifies one fetchable attachment.
type Ref struct {
	MessageID    string `json:"messageId" db:"message_id"`
	AttachmentID string `json:"attachmentId" db:"attachment_id"`
	Filename     string `json:"filename" db:"filename"`
}

// CollectPDFs walks the part tree of msg and returns every part whose
// filename ends in ".pdf" (any case) and that carries an attachment ID.
// Parts are visited in pre-order, the same order a recursive walk yields.
func CollectPDFs(msg *gmail.Message) []Ref {
	if msg == nil || msg.Payload == nil {
		return nil
	}

	var refs []Ref
	stack := []*gmail.MessagePart{msg.Payload}
	for len(stack) > 0 {
		part := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if part == nil {
			continue
		}

		if isPDF(part.Filename) && part.Body != nil && part.Body.AttachmentId != "" {
			refs = append(refs, Ref{
				MessageID:    msg.Id,
				AttachmentID: part.Body.AttachmentId,
				Filename:     part.Filename,
			})
		}

		// Push children in reverse so the first child is visited next.
		for i := len(part.Parts) - 1; i >= 0; i-- {
			stack = append(stack, part.Parts[i])
		}
	}
	return refs
}

func isPDF(filename string) bool {
	return filename != "" && strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

// NameFilter matches attachment filenames against a case-insensitive
// pattern. The zero value and a nil *NameFilter match everything.
type NameFilter struct {
	re *regexp.Regexp
}

// NewNameFilter compiles pattern case-insensitively. An empty pattern gives
// a pass-through filter. A pattern that fails to compile also gives a
// pass-through filter, together with the compile error so the caller can
// report it as a warning.
func NewNameFilter(pattern string) (*NameFilter, error) {
	if pattern == "" {
		return &NameFilter{}, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return &NameFilter{}, fmt.Errorf("invalid filename filter %q: %w", pattern, err)
	}
	return &NameFilter{re: re}, nil
}

// Active reports whether the filter actually restricts anything.
func (f *NameFilter) Active() bool {
	return f != nil && f.re != nil
}

// Match reports whether filename passes the filter.
func (f *NameFilter) Match(filename string) bool {
	if !f.Active() {
		return true
	}
	return f.re.MatchString(filename)
}

// Apply returns the refs whose filenames pass the filter, in order.
func (f *NameFilter) Apply(refs []Ref) []Ref {
	if !f.Active() {
		return refs
	}
	kept := refs[:0:0]
	for _, r := range refs {
		if f.Match(r.Filename) {
			kept = append(kept, r)
		}
	}
	return kept
}

// EntryName returns the archive name for the attachment at 1-based
// position n: the trimmed original filename, or attachment_<n>.pdf when
// the filename is blank.
func EntryName(filename string, n int) string {
	if name := strings.TrimSpace(filename); name != "" {
		return name
	}
	return fmt.Sprintf("attachment_%d.pdf", n)
}

// DecodeData decodes the base64url payload the Gmail API returns for
// attachment bodies. Both padded and unpadded input are accepted.
func DecodeData(data string) ([]byte, error) {
	trimmed := strings.TrimRight(data, "=")
	decoded, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment data: %w", err)
	}
	return decoded, nil
}
