package label

import (
	iface "TableDetServer/interface"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Vocabulary is a fixed set of lowercase labels.
type Vocabulary []string

// NewVocabulary lower-cases and trims entries, dropping empty ones.
func NewVocabulary(entries []string) Vocabulary {
	v := make(Vocabulary, 0, len(entries))
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			v = append(v, e)
		}
	}
	return v
}

// LoadVocabulary reads a JSON or YAML list of labels.
func LoadVocabulary(path string) (Vocabulary, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []string
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("%w: vocabulary %s: %v", iface.ErrInvalidInput, path, err)
	}
	return NewVocabulary(entries), nil
}

// Classify is MATCH iff some line, case-folded, contains some vocabulary entry.
func Classify(lines []string, vocab Vocabulary) iface.Category {
	for _, line := range lines {
		folded := strings.ToLower(line)
		for _, label := range vocab {
			if strings.Contains(folded, label) {
				return iface.Match
			}
		}
	}
	return iface.NoMatch
}
