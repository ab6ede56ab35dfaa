// Package lawbook loads the versioned policy document that supplies the
// thresholds consumed by the stop decision engine. The document's content
// hash is echoed in every control-loop response for compliance traceability.
package lawbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds are the retry-policy knobs evaluated by the stop decision engine.
type Thresholds struct {
	MaxJobAttempts     int `yaml:"max_job_attempts" json:"max_job_attempts"`
	MaxPRAttempts      int `yaml:"max_pr_attempts" json:"max_pr_attempts"`
	StuckWindowSeconds int `yaml:"stuck_window_seconds" json:"stuck_window_seconds"`
}

// StuckWindow returns the stuck window as a duration.
func (t Thresholds) StuckWindow() time.Duration {
	return time.Duration(t.StuckWindowSeconds) * time.Second
}

// Lawbook is the parsed policy document plus its content hash.
type Lawbook struct {
	Version    string     `yaml:"version"`
	Thresholds Thresholds `yaml:"thresholds"`

	hash string
}

// Hash returns the hex-encoded SHA-256 of the raw document bytes.
func (l *Lawbook) Hash() string {
	return l.hash
}

// Load reads and parses a lawbook from the given YAML file path.
func Load(path string) (*Lawbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lawbook: %w", err)
	}
	return Parse(data)
}

// Parse decodes lawbook bytes and computes the content hash.
func Parse(data []byte) (*Lawbook, error) {
	var book Lawbook
	if err := yaml.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("parsing lawbook YAML: %w", err)
	}
	if err := validate(&book); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	book.hash = hex.EncodeToString(sum[:])
	return &book, nil
}

// Default returns the built-in policy used when no lawbook file is supplied.
func Default() *Lawbook {
	data := []byte(`version: builtin-1
thresholds:
  max_job_attempts: 2
  max_pr_attempts: 5
  stuck_window_seconds: 1800
`)
	book, err := Parse(data)
	if err != nil {
		// The builtin document is constant; a parse failure is a programming error.
		panic(err)
	}
	return book
}

func validate(book *Lawbook) error {
	if book.Version == "" {
		return fmt.Errorf("lawbook version is required")
	}
	t := book.Thresholds
	if t.MaxJobAttempts <= 0 {
		return fmt.Errorf("lawbook max_job_attempts must be > 0, got %d", t.MaxJobAttempts)
	}
	if t.MaxPRAttempts <= 0 {
		return fmt.Errorf("lawbook max_pr_attempts must be > 0, got %d", t.MaxPRAttempts)
	}
	if t.StuckWindowSeconds < 0 {
		return fmt.Errorf("lawbook stuck_window_seconds must be >= 0, got %d", t.StuckWindowSeconds)
	}
	return nil
}
