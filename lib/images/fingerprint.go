package images

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/kballard/go-shellquote"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"

	"github.com/onkernel/hypestack/lib/project"
)

const dockerignoreFile = ".dockerignore"

// buildInputs is everything a build depends on, as far as hypestack can tell.
type buildInputs struct {
	Fingerprint digest.Digest
	Excludes    []string
	ContextSize int64
}

// fingerprint digests the build context of svc: every file not excluded by
// .dockerignore (relative path, mode and content, walked in lexical order),
// the Dockerfile, build args, the pre-build command and the platform.
//
// Inputs outside the context (base image updates, network fetches during the
// build) are not covered, so an unchanged fingerprint can skip a build whose
// result would differ.
func fingerprint(svc *project.ServiceDescriptor, maxSize int64) (*buildInputs, error) {
	b := svc.Build
	excludes, err := readDockerignore(b.Context)
	if err != nil {
		return nil, err
	}
	pm, err := patternmatcher.New(excludes)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", dockerignoreFile, err)
	}

	d := digest.Canonical.Digester()
	h := d.Hash()
	var size int64

	err = filepath.WalkDir(b.Context, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.Context, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		skip, err := pm.MatchesOrParentMatches(rel)
		if err != nil {
			return fmt.Errorf("match %s: %w", rel, err)
		}
		if skip {
			if entry.IsDir() && !pm.Exclusions() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%o\x00", rel, info.Mode())

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read link %s: %w", rel, err)
			}
			io.WriteString(h, target)
		case info.Mode().IsRegular():
			size += info.Size()
			if maxSize > 0 && size > maxSize {
				return fmt.Errorf("%w: more than %d bytes", ErrContextTooLarge, maxSize)
			}
			if err := hashFile(h, path); err != nil {
				return err
			}
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrContextTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("walk build context: %w", err)
	}

	dockerfile, err := securejoin.SecureJoin(b.Context, b.Dockerfile)
	if err != nil {
		return nil, fmt.Errorf("resolve dockerfile: %w", err)
	}
	fmt.Fprintf(h, "dockerfile\x00")
	if err := hashFile(h, dockerfile); err != nil {
		return nil, err
	}

	fmt.Fprintf(h, "\x00args\x00")
	keys := lo.Keys(b.Args)
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, b.Args[k])
	}
	fmt.Fprintf(h, "command\x00%s\x00platform\x00%s\x00", shellquote.Join(b.Command...), svc.Platform)

	return &buildInputs{
		Fingerprint: d.Digest(),
		Excludes:    excludes,
		ContextSize: size,
	}, nil
}

func readDockerignore(contextDir string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextDir, dockerignoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", dockerignoreFile, err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dockerignoreFile, err)
	}
	return patterns, nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
