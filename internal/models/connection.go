package models

import (
	"fmt"
	"time"
)

// Quality is the observed network quality. Values are ordered: offline < poor < good < excellent.
type Quality int

const (
	QualityOffline Quality = iota
	QualityPoor
	QualityGood
	QualityExcellent
)

var qualityNames = map[Quality]string{
	QualityOffline:   "offline",
	QualityPoor:      "poor",
	QualityGood:      "good",
	QualityExcellent: "excellent",
}

func (q Quality) String() string {
	if name, ok := qualityNames[q]; ok {
		return name
	}
	return fmt.Sprintf("quality(%d)", int(q))
}

// ParseQuality parses "offline", "poor", "good" or "excellent".
func ParseQuality(s string) (Quality, error) {
	for q, name := range qualityNames {
		if name == s {
			return q, nil
		}
	}
	return QualityOffline, fmt.Errorf("unknown connection quality %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quality) UnmarshalText(b []byte) error {
	parsed, err := ParseQuality(string(b))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// ConnectionState is derived and ephemeral; only the last-known value is persisted.
type ConnectionState struct {
	Quality   Quality   `json:"quality"`
	IsStable  bool      `json:"is_stable"`
	IsMetered bool      `json:"is_metered"`
	Since     time.Time `json:"since"`
}
