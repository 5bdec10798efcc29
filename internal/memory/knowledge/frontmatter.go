package knowledge

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// FrontMatter is the YAML header of a knowledge file.
type FrontMatter struct {
	Title              string   `yaml:"title" json:"title"`
	Category           string   `yaml:"category" json:"category"`
	Tags               []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Severity           string   `yaml:"severity,omitempty" json:"severity,omitempty"`
	Discovered         string   `yaml:"discovered,omitempty" json:"discovered,omitempty"` // ISO date
	Source             string   `yaml:"source" json:"source"`
	Occurrences        int      `yaml:"occurrences,omitempty" json:"occurrences,omitempty"`
	RelatedSessions    []string `yaml:"related_sessions,omitempty" json:"relatedSessions,omitempty"`
	ManualEdited       bool     `yaml:"manual_edited,omitempty" json:"manualEdited,omitempty"`
	ReflectorCanUpdate *bool    `yaml:"reflector_can_update,omitempty" json:"reflectorCanUpdate,omitempty"`
	Version            int      `yaml:"version,omitempty" json:"version,omitempty"`
}

// CanReflectorUpdate reports whether the consolidation loop may overwrite
// the item. Absent means yes.
func (fm *FrontMatter) CanReflectorUpdate() bool {
	return fm.ReflectorCanUpdate == nil || *fm.ReflectorCanUpdate
}

var fmDelimiter = []byte("---\n")

// ParseFrontMatter splits a knowledge file into its YAML header and
// markdown body. A file without a header returns a nil FrontMatter and the
// whole content as body.
func ParseFrontMatter(content []byte) (*FrontMatter, string, error) {
	if !bytes.HasPrefix(content, fmDelimiter) {
		return nil, string(content), nil
	}

	parts := bytes.SplitN(content[len(fmDelimiter):], []byte("\n---\n"), 2)
	if len(parts) != 2 {
		return nil, string(content), fmt.Errorf("front matter is missing its closing delimiter")
	}

	var fm FrontMatter
	if err := yaml.Unmarshal(parts[0], &fm); err != nil {
		return nil, string(content), fmt.Errorf("parsing front matter: %w", err)
	}
	body := bytes.TrimPrefix(parts[1], []byte("\n"))
	body = bytes.TrimRight(body, "\n")
	return &fm, string(body), nil
}

// EncodeItem renders front matter and body back into file content.
func EncodeItem(fm *FrontMatter, body string) ([]byte, error) {
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encoding front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(fmDelimiter)
	buf.Write(head)
	buf.WriteString("---\n\n")
	buf.WriteString(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
