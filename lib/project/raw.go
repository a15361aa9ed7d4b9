package project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

// rawProject mirrors the descriptor document. Fields that accept several
// shapes (string or list, map or list) use the helper types below.
type rawProject struct {
	Name     string                 `json:"name"`
	Services map[string]*rawService `json:"services"`
	Networks map[string]rawNetwork  `json:"networks"`
}

type rawNetwork struct {
	Name string `json:"name"`
}

type rawService struct {
	Build       *rawBuild       `json:"build"`
	Image       string          `json:"image"`
	Ports       []scalar        `json:"ports"`
	Expose      []scalar        `json:"expose"`
	DependsOn   dependsOn       `json:"depends_on"`
	Environment mappingOrList   `json:"environment"`
	Volumes     []string        `json:"volumes"`
	Command     commandLine     `json:"command"`
	Restart     string          `json:"restart"`
	Platform    string          `json:"platform"`
	HealthCheck *rawHealthCheck `json:"healthcheck"`
}

var knownServiceKeys = map[string]bool{
	"build": true, "image": true, "ports": true, "expose": true, "depends_on": true,
	"environment": true, "volumes": true, "command": true, "restart": true,
	"platform": true, "healthcheck": true,
}

type rawBuild struct {
	Context    string        `json:"context"`
	Dockerfile string        `json:"dockerfile"`
	Args       mappingOrList `json:"args"`
	Command    commandLine   `json:"command"`
}

// UnmarshalJSON accepts both `build: ./dir` and the long form.
func (b *rawBuild) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = rawBuild{Context: s}
		return nil
	}
	type plain rawBuild
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*b = rawBuild(p)
	return nil
}

type rawHealthCheck struct {
	Type     string `json:"type"`
	Port     int    `json:"port"`
	Path     string `json:"path"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout"`
	Retries  int    `json:"retries"`
}

// scalar is a string or number written as a string.
type scalar string

func (s *scalar) UnmarshalJSON(data []byte) error {
	*s = scalar(scalarString(data))
	return nil
}

// dependsOn accepts a list of names or a map keyed by name.
type dependsOn []string

func (d *dependsOn) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*d = list
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("depends_on must be a list or a map of service names")
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	*d = names
	return nil
}

// mappingOrList accepts `{K: V}` or `["K=V", "K"]`. A bare key in list form
// has a nil value and takes its value from the host environment.
type mappingOrList map[string]*string

func (m *mappingOrList) UnmarshalJSON(data []byte) error {
	out := mappingOrList{}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		for _, item := range list {
			k, v, ok := strings.Cut(item, "=")
			if ok {
				out[k] = &v
			} else {
				out[k] = nil
			}
		}
		*m = out
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("must be a map or a list of KEY=VALUE")
	}
	for k, v := range raw {
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			out[k] = nil
			continue
		}
		s := scalarString(v)
		out[k] = &s
	}
	*m = out
	return nil
}

// commandLine accepts a shell-style string or an argv list.
type commandLine []string

func (c *commandLine) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*c = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("command must be a string or a list")
	}
	words, err := shellquote.Split(s)
	if err != nil {
		return fmt.Errorf("parse command %q: %w", s, err)
	}
	*c = words
	return nil
}

// scalarString renders a JSON string, number or bool as plain text.
func scalarString(data []byte) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(data))
}
