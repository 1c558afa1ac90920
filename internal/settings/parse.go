package settings

import (
	"errors"
	"fmt"
	"strings"
)

// Descriptor is a parsed tenant settings string. The wire form is a
// semicolon-separated list of key:value fields, e.g.
//
//	repo:alice/paper-feed;pat:ghp_xxx;cron:0 0 7 * * *;timezone:Asia/Shanghai
//
// "cron:off" clears the schedule instead of setting one.
type Descriptor struct {
	RepoRef  string
	PAT      string
	Cron     string
	CronOff  bool
	Timezone string
}

var ErrInvalidDescriptor = errors.New("invalid settings descriptor")

// offWords are the accepted spellings for clearing a schedule.
var offWords = map[string]bool{"off": true, "关闭": true}

// ParseDescriptor parses the wire form. It only validates shape; cron
// expression and timezone semantics are checked by the caller before any
// state changes.
func ParseDescriptor(raw string) (Descriptor, error) {
	var d Descriptor
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return d, fmt.Errorf("%w: empty", ErrInvalidDescriptor)
	}

	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return Descriptor{}, fmt.Errorf("%w: field %q has no value", ErrInvalidDescriptor, part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			return Descriptor{}, fmt.Errorf("%w: field %q has no value", ErrInvalidDescriptor, part)
		}
		if seen[key] {
			return Descriptor{}, fmt.Errorf("%w: duplicate field %q", ErrInvalidDescriptor, key)
		}
		seen[key] = true

		switch key {
		case "repo":
			d.RepoRef = value
		case "pat":
			d.PAT = value
		case "cron":
			if offWords[strings.ToLower(value)] {
				d.CronOff = true
			} else {
				d.Cron = value
			}
		case "timezone":
			d.Timezone = value
		default:
			return Descriptor{}, fmt.Errorf("%w: unknown field %q", ErrInvalidDescriptor, key)
		}
	}

	if d.Timezone != "" && d.Cron == "" {
		return Descriptor{}, fmt.Errorf("%w: timezone requires cron", ErrInvalidDescriptor)
	}
	if d.CronOff && d.Cron != "" {
		return Descriptor{}, fmt.Errorf("%w: cron cannot be both set and off", ErrInvalidDescriptor)
	}
	return d, nil
}
