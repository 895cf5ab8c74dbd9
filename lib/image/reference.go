package image

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/trycua/lume/lib/errs"
)

// Reference is a validated "<name>:<tag>" or "<name>@sha256:<hex>"
// image reference split into its registry-addressable parts.
type Reference struct {
	Raw        string
	Repository string
	Identifier string // tag, or digest when IsDigest is true
	IsDigest   bool
}

// ParseReference validates ref against OCI distribution naming rules
// using go-containerregistry/pkg/name, the same reference-parsing
// library the teacher exposes registry traffic through.
func ParseReference(ref string) (Reference, error) {
	last := ref
	if idx := strings.LastIndex(ref, "/"); idx != -1 {
		last = ref[idx+1:]
	}
	if !strings.Contains(last, "@") && !strings.Contains(last, ":") {
		return Reference{}, &errs.InvalidImageFormat{Ref: ref}
	}

	if tagged, err := name.NewTag(ref); err == nil {
		return Reference{
			Raw:        ref,
			Repository: tagged.RepositoryStr(),
			Identifier: tagged.TagStr(),
			IsDigest:   false,
		}, nil
	}

	digested, err := name.NewDigest(ref)
	if err != nil {
		return Reference{}, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return Reference{
		Raw:        ref,
		Repository: digested.RepositoryStr(),
		Identifier: digested.DigestStr(),
		IsDigest:   true,
	}, nil
}
