// Package location parses the configured template storage path.
package location

import (
	"errors"
	"net/url"
	"strings"
)

var ErrInvalidLocation = errors.New("invalid storage location")

// Location is a bucket plus a key prefix. Prefix is empty or ends with "/".
type Location struct {
	Bucket string
	Prefix string
	Region string
}

// Parse accepts "s3://bucket/prefix", a virtual-hosted URL such as
// "https://bucket.s3.eu-west-1.amazonaws.com/prefix", or "bucket/prefix".
// Region is left empty; callers fill it from configuration.
func Parse(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, ErrInvalidLocation
	}

	if rest, ok := strings.CutPrefix(raw, "s3://"); ok {
		return fromSegments(rest)
	}

	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		bucket, _, _ := strings.Cut(u.Hostname(), ".")
		if bucket == "" {
			return Location{}, ErrInvalidLocation
		}
		return Location{
			Bucket: bucket,
			Prefix: normalizePrefix(strings.TrimPrefix(u.Path, "/")),
		}, nil
	}

	return fromSegments(raw)
}

func fromSegments(s string) (Location, error) {
	var parts []string
	for _, p := range strings.Split(s, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return Location{}, ErrInvalidLocation
	}
	return Location{
		Bucket: parts[0],
		Prefix: normalizePrefix(strings.Join(parts[1:], "/")),
	}, nil
}

func normalizePrefix(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// Key returns the object key for name under the prefix.
func (l Location) Key(name string) string {
	return l.Prefix + name
}
