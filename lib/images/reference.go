package images

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// fingerprintTagLength is the number of hex digits of the fingerprint used
// in image tags.
const fingerprintTagLength = 12

// NormalizedRef is a validated and normalized image reference.
// It can be either a tagged reference (e.g., "docker.io/library/alpine:latest")
// or a digest reference (e.g., "docker.io/library/alpine@sha256:abc123...").
type NormalizedRef struct {
	raw        string
	repository string
	tag        string // empty if digest ref
	digest     string // empty if tag ref
}

// ParseNormalizedRef validates and normalizes a user-provided image reference.
// Examples:
//   - "alpine" -> "docker.io/library/alpine:latest"
//   - "alpine:3.18" -> "docker.io/library/alpine:3.18"
//   - "alpine@sha256:abc..." -> "docker.io/library/alpine@sha256:abc..."
func ParseNormalizedRef(s string) (*NormalizedRef, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	ref := &NormalizedRef{
		repository: reference.Domain(named) + "/" + reference.Path(named),
	}

	if canonical, ok := named.(reference.Canonical); ok {
		ref.digest = canonical.Digest().String()
		ref.raw = canonical.String()
		return ref, nil
	}

	tagged := reference.TagNameOnly(named)
	if t, ok := tagged.(reference.Tagged); ok {
		ref.tag = t.Tag()
	}
	ref.raw = tagged.String()
	return ref, nil
}

// String returns the full normalized reference.
func (r *NormalizedRef) String() string {
	return r.raw
}

// IsDigest returns true if this reference pins a digest.
func (r *NormalizedRef) IsDigest() bool {
	return r.digest != ""
}

// Repository returns the repository path without tag or digest.
func (r *NormalizedRef) Repository() string {
	return r.repository
}

// Tag returns the tag, empty for digest references.
func (r *NormalizedRef) Tag() string {
	return r.tag
}

// Digest returns the digest, empty for tagged references.
func (r *NormalizedRef) Digest() string {
	return r.digest
}

// BuiltRef names the image built for a service: "<unit>-<service>:fp-<hex>".
// Image repositories must be lowercase, service names may not be.
func BuiltRef(unit, service string, fp digest.Digest) string {
	return fmt.Sprintf("%s-%s:%s", unit, strings.ToLower(service), FingerprintTag(fp))
}

// FingerprintTag is the tag derived from a fingerprint.
func FingerprintTag(fp digest.Digest) string {
	enc := fp.Encoded()
	if len(enc) > fingerprintTagLength {
		enc = enc[:fingerprintTagLength]
	}
	return "fp-" + enc
}
