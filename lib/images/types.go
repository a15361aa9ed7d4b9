package images

import "time"

// Image is the resolved runnable image of one service.
type Image struct {
	Unit        string    `json:"unit"`
	Service     string    `json:"service"`
	Ref         string    `json:"ref"`
	Tags        []string  `json:"tags,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	ImageID     string    `json:"image_id,omitempty"`
	Pulled      bool      `json:"pulled,omitempty"`
	Cached      bool      `json:"-"`
	BuiltAt     time.Time `json:"built_at"`
}

// BuildOptions controls a build invocation.
type BuildOptions struct {
	// Force rebuilds even when an image with the same fingerprint exists.
	Force bool
	// NoCache disables the runtime's layer cache.
	NoCache bool
	// OnOutput receives build output lines prefixed by nothing; the caller
	// knows which service it asked for.
	OnOutput func(service, line string)
}

// Result is the outcome of resolving one service.
type Result struct {
	Service string
	Image   *Image
	Err     error
}
