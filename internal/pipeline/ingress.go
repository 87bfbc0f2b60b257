package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// NewDocumentID generates a fresh, client-visible document id, matching the
// teacher's uuid.New().String() convention used throughout internal/service
// and internal/handler.
func NewDocumentID() string {
	return uuid.New().String()
}

// DefaultSteps is the step sequence used when an ingress caller omits steps,
// per §6.
var DefaultSteps = []string{"extract_text", "partition_text", "generate_embeddings", "save_records"}

var nonIndexChars = regexp.MustCompile(`[^a-z0-9-]+`)

// CanonicalizeIndexName implements §6's index name canonicalisation:
// lowercase, trim, collapse runs of non-alphanumeric-or-hyphen characters to
// a single hyphen, reject empty after normalisation.
func CanonicalizeIndexName(name, defaultName string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultName
	}

	name = strings.ToLower(name)
	name = nonIndexChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")

	if name == "" {
		return "", fmt.Errorf("pipeline.CanonicalizeIndexName: empty after normalisation")
	}
	return name, nil
}
