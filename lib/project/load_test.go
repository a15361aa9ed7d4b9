package project

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/hypestack/lib/scheduler"
)

// setupProject creates a project dir with a Dockerfile in each named context.
func setupProject(t *testing.T, contexts ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, c := range contexts {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, c), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, c, "Dockerfile"), []byte("FROM scratch\n"), 0644))
	}
	return dir
}

func parse(t *testing.T, dir, doc string) (*Project, error) {
	t.Helper()
	return Parse(context.Background(), []byte(doc), Options{Dir: dir, Env: map[string]string{}})
}

func TestLoad_Tutorial(t *testing.T) {
	dir := setupProject(t, "backend", "ui", "static")
	doc := `
name: tutorial
services:
  backend:
    build:
      context: ./backend
      args:
        JAR: app.jar
      command: mvn -q package
    ports:
      - "8080:8080"
  ui:
    build: ./ui
    ports: ["3000:3000"]
    depends_on: [backend]
    environment:
      API_URL: http://backend:8080/message
      RETRIES: 3
  static:
    build: ./static
    ports: ["127.0.0.1:8081:80"]
    depends_on:
      backend:
        condition: service_started
    volumes:
      - ./content:/usr/share/nginx/html:ro
    restart: on-failure
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hypestack.yaml"), []byte(doc), 0644))

	p, err := Load(context.Background(), Options{Dir: dir, Env: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "tutorial", p.Name)
	assert.Equal(t, filepath.Join(dir, "hypestack.yaml"), p.File)
	assert.Equal(t, "tutorial_default", p.NetworkName())
	assert.Equal(t, []string{"backend", "static", "ui"}, p.ServiceNames())

	backend := p.Services["backend"]
	require.NotNil(t, backend.Build)
	assert.Equal(t, filepath.Join(dir, "backend"), backend.Build.Context)
	assert.Equal(t, "Dockerfile", backend.Build.Dockerfile)
	assert.Equal(t, map[string]string{"JAR": "app.jar"}, backend.Build.Args)
	assert.Equal(t, []string{"mvn", "-q", "package"}, backend.Build.Command)
	assert.Equal(t, []PortMapping{{HostPort: 8080, ContainerPort: 8080, Protocol: "tcp"}}, backend.Ports)

	ui := p.Services["ui"]
	assert.Equal(t, []string{"backend"}, ui.DependsOn)
	assert.Equal(t, map[string]string{"API_URL": "http://backend:8080/message", "RETRIES": "3"}, ui.Environment)

	static := p.Services["static"]
	assert.Equal(t, []string{"backend"}, static.DependsOn)
	assert.Equal(t, []PortMapping{{HostIP: "127.0.0.1", HostPort: 8081, ContainerPort: 80, Protocol: "tcp"}}, static.Ports)
	assert.Equal(t, []VolumeBinding{{Source: "./content", Target: "/usr/share/nginx/html", ReadOnly: true}}, static.Volumes)
	assert.Equal(t, "on-failure", static.Restart)

	assert.Equal(t, map[string][]string{
		"backend": nil,
		"ui":      {"backend"},
		"static":  {"backend"},
	}, p.Graph())
}

func TestLoad_FindsDefaultFile(t *testing.T) {
	dir := setupProject(t, "app")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docker-compose.yml"), []byte("services:\n  app:\n    build: ./app\n"), 0644))

	p, err := Load(context.Background(), Options{Dir: dir, Env: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "docker-compose.yml"), p.File)
	// name falls back to the directory
	assert.Equal(t, projectName("", "", dir), p.Name)
}

func TestLoad_NoDescriptor(t *testing.T) {
	_, err := Load(context.Background(), Options{Dir: t.TempDir()})
	assert.ErrorIs(t, err, ErrNoDescriptor)
}

func TestLoad_Interpolation(t *testing.T) {
	dir := setupProject(t)
	doc := `
name: ${UNIT:-demo}
services:
  api:
    image: nginx:${TAG}
    ports: ["${PORT:-8080}:80"]
    environment:
      GREETING: "hello $${literal}"
      TOKEN: ${TOKEN}
      PEER: "@{web.url}"
  web:
    image: nginx
    expose: [80]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hypestack.yaml"), []byte(doc), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TAG=1.27\nTOKEN=from-dotenv\nPORT=9000\n"), 0644))

	p, err := Load(context.Background(), Options{Dir: dir, Env: map[string]string{"PORT": "7000"}})
	require.NoError(t, err)

	assert.Equal(t, "demo", p.Name)
	api := p.Services["api"]
	assert.Equal(t, "nginx:1.27", api.Image)
	// the caller's environment wins over .env
	assert.Equal(t, 7000, api.Ports[0].HostPort)
	assert.Equal(t, "hello ${literal}", api.Environment["GREETING"])
	assert.Equal(t, "from-dotenv", api.Environment["TOKEN"])
	assert.Equal(t, "@{web.url}", api.Environment["PEER"])
}

func TestParse_ShortForms(t *testing.T) {
	dir := setupProject(t, "svc")
	p, err := Parse(context.Background(), []byte(`
services:
  svc:
    build: ./svc
    command: sh -c "echo 'hi there'"
    environment:
      - A=1
      - FROM_HOST
      - MISSING
    expose: ["9000/tcp", 9001]
    ports: ["5000"]
    healthcheck:
      type: http
      path: /health
      interval: 500ms
`), Options{Dir: dir, ProjectName: "Short Forms", Env: map[string]string{"FROM_HOST": "yes"}})
	require.NoError(t, err)

	assert.Equal(t, "short-forms", p.Name)
	svc := p.Services["svc"]
	assert.Equal(t, []string{"sh", "-c", "echo 'hi there'"}, svc.Command)
	assert.Equal(t, map[string]string{"A": "1", "FROM_HOST": "yes"}, svc.Environment)
	assert.Equal(t, []int{9000, 9001}, svc.Expose)
	assert.False(t, svc.Ports[0].Published())
	assert.Equal(t, []int{5000, 9000, 9001}, svc.ContainerPorts())

	require.NotNil(t, svc.HealthCheck)
	assert.Equal(t, HealthCheckHTTP, svc.HealthCheck.Type)
	assert.Equal(t, 5000, svc.HealthCheck.Port)
	assert.Equal(t, "/health", svc.HealthCheck.Path)
	assert.Equal(t, 500*time.Millisecond, svc.HealthCheck.Interval)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		service string
		field   string
		msg     string
	}{
		{
			name:    "undeclared dependency",
			doc:     "services:\n  svcB:\n    image: nginx\n    depends_on: [svcA]\n",
			service: "svcB", field: "depends_on", msg: `undeclared service "svcA"`,
		},
		{
			name:    "self dependency",
			doc:     "services:\n  a:\n    image: nginx\n    depends_on: [a]\n",
			service: "a", field: "depends_on", msg: "cannot depend on itself",
		},
		{
			name:    "duplicate host port",
			doc:     "services:\n  a:\n    image: nginx\n    ports: [\"8080:80\"]\n  b:\n    image: nginx\n    ports: [\"8080:8080\"]\n",
			service: "b", field: "ports", msg: `host port 8080/tcp already published by service "a"`,
		},
		{
			name:    "wildcard address overlaps a specific one",
			doc:     "services:\n  a:\n    image: nginx\n    ports: [\"127.0.0.1:8080:80\"]\n  b:\n    image: nginx\n    ports: [\"0.0.0.0:8080:80\"]\n",
			service: "b", field: "ports", msg: "already published",
		},
		{
			name:    "missing build context",
			doc:     "services:\n  a:\n    build: ./nope\n",
			service: "a", field: "build.context", msg: "does not exist",
		},
		{
			name:    "missing dockerfile",
			doc:     "services:\n  a:\n    build:\n      context: ./ctx\n      dockerfile: Other.dockerfile\n",
			service: "a", field: "build.dockerfile", msg: "not found",
		},
		{
			name:    "neither build nor image",
			doc:     "services:\n  a:\n    ports: [\"80:80\"]\n",
			service: "a", msg: "either build or image must be set",
		},
		{
			name:    "malformed image",
			doc:     "services:\n  a:\n    image: \"UPPER/Case::bad\"\n",
			service: "a", field: "image", msg: "invalid reference",
		},
		{
			name:    "bad service name",
			doc:     "services:\n  -bad-:\n    image: nginx\n",
			service: "-bad-", field: "name", msg: "invalid name",
		},
		{
			name:    "case-insensitive duplicate",
			doc:     "services:\n  svcA:\n    image: nginx\n  SVCA:\n    image: nginx\n",
			service: "svcA", field: "name", msg: `conflicts with service "SVCA"`,
		},
		{
			name:    "bad port",
			doc:     "services:\n  a:\n    image: nginx\n    ports: [\"80:notaport\"]\n",
			service: "a", field: "ports", msg: "invalid port",
		},
		{
			name:    "named volume",
			doc:     "services:\n  a:\n    image: nginx\n    volumes: [\"data:/data\"]\n",
			service: "a", field: "volumes", msg: "named volumes are not supported",
		},
		{
			name:    "bad volume mode",
			doc:     "services:\n  a:\n    image: nginx\n    volumes: [\"./data:/data:rx\"]\n",
			service: "a", field: "volumes", msg: `unknown mode "rx"`,
		},
		{
			name:    "unknown restart policy",
			doc:     "services:\n  a:\n    image: nginx\n    restart: sometimes\n",
			service: "a", field: "restart", msg: "unknown policy",
		},
		{
			name:    "healthcheck without port",
			doc:     "services:\n  a:\n    image: nginx\n    healthcheck:\n      type: tcp\n",
			service: "a", field: "healthcheck", msg: "no port given",
		},
		{
			name:  "no services",
			doc:   "name: empty\n",
			field: "services", msg: "at least one service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := setupProject(t)
			require.NoError(t, os.MkdirAll(filepath.Join(dir, "ctx"), 0755))

			_, err := Parse(context.Background(), []byte(tt.doc), Options{Dir: dir, ProjectName: "unit", Env: map[string]string{}})
			require.Error(t, err)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)

			found := false
			for _, v := range verrs {
				if v.Service == tt.service && v.Field == tt.field {
					assert.Contains(t, v.Error(), tt.msg)
					found = true
				}
			}
			assert.True(t, found, "no error for service %q field %q in: %v", tt.service, tt.field, err)
		})
	}
}

func TestParse_DistinctAddressesMayShareHostPort(t *testing.T) {
	_, err := parse(t, t.TempDir(), `
services:
  a:
    image: nginx
    ports: ["127.0.0.1:8080:80"]
  b:
    image: nginx
    ports: ["127.0.0.2:8080:80", "8080:80/udp"]
`)
	require.NoError(t, err)
}

func TestParse_Cycle(t *testing.T) {
	_, err := parse(t, t.TempDir(), `
services:
  a:
    image: nginx
    depends_on: [c]
  b:
    image: nginx
    depends_on: [a]
  c:
    image: nginx
    depends_on: [b]
`)
	require.Error(t, err)

	var cycleErr *scheduler.CycleError
	require.True(t, errors.As(err, &cycleErr), "expected a CycleError in %v", err)
	assert.Equal(t, []string{"a", "c", "b", "a"}, cycleErr.Cycle)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "a", verr.Service)
}

func TestParse_CollectsEveryProblem(t *testing.T) {
	_, err := parse(t, t.TempDir(), `
services:
  a:
    build: ./missing
    depends_on: [ghost]
  b:
    ports: ["1:1", "1:2"]
`)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	// missing context, undeclared dep, b has neither build nor image, duplicate host port
	assert.Len(t, verrs, 4)
	assert.Contains(t, err.Error(), "4 problems")
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := parse(t, t.TempDir(), "services: [\n")
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
}

func TestServiceAccessorReturnsCopy(t *testing.T) {
	p, err := parse(t, t.TempDir(), "services:\n  a:\n    image: nginx\n    environment: {K: v}\n")
	require.NoError(t, err)

	svc, ok := p.Service("a")
	require.True(t, ok)
	svc.Environment["K"] = "changed"
	svc.DependsOn = append(svc.DependsOn, "x")

	assert.Equal(t, "v", p.Services["a"].Environment["K"])
	assert.Empty(t, p.Services["a"].DependsOn)
}

func TestProjectName(t *testing.T) {
	tests := []struct {
		override, declared, dir, want string
	}{
		{"", "tutorial", "/x/y", "tutorial"},
		{"Override", "tutorial", "/x/y", "override"},
		{"", "", "/src/My_App", "my-app"},
		{"", "--weird..Name--", "/", "weird-name"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, projectName(tt.override, tt.declared, tt.dir))
	}
}
