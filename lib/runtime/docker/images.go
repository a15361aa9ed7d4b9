package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/samber/lo"

	"github.com/onkernel/hypestack/lib/runtime"
)

// outputTail bounds how many build lines are kept for error reports.
const outputTail = 50

var exitCodePattern = regexp.MustCompile(`returned a non-zero code: (\d+)`)

func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := c.inner.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errors.Is(translate(err, "inspect image"), runtime.ErrNotFound) {
		return false, nil
	}
	return false, translate(err, "inspect image")
}

// BuildImage streams the build context to the daemon and follows the build
// output until the daemon reports success or an error.
func (c *Client) BuildImage(ctx context.Context, req runtime.BuildRequest) (*runtime.BuildResult, error) {
	if req.ContextDir == "" {
		return nil, fmt.Errorf("build directory cannot be empty")
	}
	if len(req.Tags) == 0 {
		return nil, fmt.Errorf("image tag cannot be empty")
	}

	buildCtx, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{
		ExcludePatterns: req.Excludes,
	})
	if err != nil {
		return nil, fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        req.Tags,
		Dockerfile:  req.Dockerfile,
		BuildArgs:   lo.MapValues(req.Args, func(v string, _ string) *string { return &v }),
		Labels:      req.Labels,
		NoCache:     req.NoCache,
		Platform:    req.Platform,
		Remove:      true,
		ForceRemove: true,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return nil, translate(err, "docker image build")
	}
	defer resp.Body.Close()

	var (
		output  []string
		imageID string
	)
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode build output: %w", err)
		}

		if msg.Error != nil || msg.ErrorMessage != "" {
			return nil, buildFailure(msg, output)
		}

		if msg.Aux != nil {
			var aux struct {
				ID string `json:"ID"`
			}
			if json.Unmarshal(*msg.Aux, &aux) == nil && aux.ID != "" {
				imageID = aux.ID
			}
		}

		line := strings.TrimRight(render(msg), "\n")
		if line == "" {
			continue
		}
		output = append(output, line)
		if len(output) > outputTail {
			output = output[len(output)-outputTail:]
		}
		if req.OnOutput != nil {
			req.OnOutput(line)
		}
	}

	return &runtime.BuildResult{ImageID: imageID}, nil
}

func (c *Client) PullImage(ctx context.Context, ref string, onOutput func(string)) error {
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return translate(err, "pull image")
	}
	defer rc.Close()

	decoder := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode pull output: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("pull image %s: %s", ref, msg.Error.Message)
		}
		if line := render(msg); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

func (c *Client) TagImage(ctx context.Context, source, target string) error {
	return translate(c.inner.ImageTag(ctx, source, target), "tag image")
}

func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	_, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	return translate(err, "remove image")
}

func buildFailure(msg jsonmessage.JSONMessage, output []string) *runtime.BuildFailure {
	text := msg.ErrorMessage
	code := 0
	if msg.Error != nil {
		text = msg.Error.Message
		code = msg.Error.Code
	}
	if m := exitCodePattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			code = n
		}
	}
	if code == 0 {
		code = 1
	}
	return &runtime.BuildFailure{
		Code:    code,
		Message: strings.TrimSpace(text),
		Output:  append(output, strings.TrimSpace(text)),
	}
}

func render(m jsonmessage.JSONMessage) string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status == "" {
		return ""
	}
	parts := make([]string, 0, 3)
	if m.ID != "" {
		parts = append(parts, m.ID)
	}
	parts = append(parts, m.Status)
	if m.Progress != nil && m.Progress.Total > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d", m.Progress.Current, m.Progress.Total))
	}
	return strings.Join(parts, " ")
}
