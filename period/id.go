package period

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gosimple/slug"

	"github.com/jupark12/docflow/common"
)

var monthYear = regexp.MustCompile(`^(\d{1,2})/(\d{4})$`)

// NormalizeLabel rewrites MM/YYYY labels as YYYY-MM and trims the rest.
func NormalizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if m := monthYear.FindStringSubmatch(label); m != nil {
		if month, _ := strconv.Atoi(m[1]); month >= 1 && month <= 12 {
			return fmt.Sprintf("%s-%02d", m[2], month)
		}
	}
	return label
}

// NewID derives the period id from its label and category,
// e.g. ("10/2025", "Offshore") -> "2025-10-offshore".
func NewID(label, category string) (string, error) {
	label = NormalizeLabel(label)
	if label == "" {
		return "", common.InvalidInputf("period label is required")
	}
	parts := []string{label}
	if c := strings.TrimSpace(category); c != "" {
		parts = append(parts, c)
	}
	id := slug.Make(strings.Join(parts, " "))
	if id == "" {
		return "", common.InvalidInputf("period label %q has no usable characters", label)
	}
	return id, nil
}
