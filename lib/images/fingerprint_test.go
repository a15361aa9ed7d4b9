package images

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/hypestack/lib/project"
)

func writeContext(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func buildService(dir string) *project.ServiceDescriptor {
	return &project.ServiceDescriptor{
		Name:  "svcA",
		Build: &project.BuildSpec{Context: dir, Dockerfile: "Dockerfile"},
	}
}

func TestFingerprint_Stable(t *testing.T) {
	dir := writeContext(t, map[string]string{
		"Dockerfile":   "FROM scratch\n",
		"src/main.go":  "package main\n",
		"src/util.go":  "package main\n",
		"static/a.txt": "a",
	})
	svc := buildService(dir)

	first, err := fingerprint(svc, 0)
	require.NoError(t, err)
	second, err := fingerprint(svc, 0)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, int64(len("FROM scratch\n")+2*len("package main\n")+1), first.ContextSize)
}

func TestFingerprint_Changes(t *testing.T) {
	base := map[string]string{
		"Dockerfile": "FROM scratch\n",
		"app.txt":    "v1",
	}

	tests := []struct {
		name   string
		mutate func(t *testing.T, svc *project.ServiceDescriptor)
	}{
		{"file content", func(t *testing.T, svc *project.ServiceDescriptor) {
			require.NoError(t, os.WriteFile(filepath.Join(svc.Build.Context, "app.txt"), []byte("v2"), 0644))
		}},
		{"new file", func(t *testing.T, svc *project.ServiceDescriptor) {
			require.NoError(t, os.WriteFile(filepath.Join(svc.Build.Context, "extra.txt"), []byte("x"), 0644))
		}},
		{"renamed file", func(t *testing.T, svc *project.ServiceDescriptor) {
			require.NoError(t, os.Rename(filepath.Join(svc.Build.Context, "app.txt"), filepath.Join(svc.Build.Context, "app2.txt")))
		}},
		{"file mode", func(t *testing.T, svc *project.ServiceDescriptor) {
			require.NoError(t, os.Chmod(filepath.Join(svc.Build.Context, "app.txt"), 0755))
		}},
		{"build arg", func(t *testing.T, svc *project.ServiceDescriptor) {
			svc.Build.Args = map[string]string{"VERSION": "2"}
		}},
		{"pre-build command", func(t *testing.T, svc *project.ServiceDescriptor) {
			svc.Build.Command = []string{"make", "all"}
		}},
		{"platform", func(t *testing.T, svc *project.ServiceDescriptor) {
			svc.Platform = "linux/arm64"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := buildService(writeContext(t, base))
			before, err := fingerprint(svc, 0)
			require.NoError(t, err)

			tt.mutate(t, svc)

			after, err := fingerprint(svc, 0)
			require.NoError(t, err)
			assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
		})
	}
}

func TestFingerprint_Dockerignore(t *testing.T) {
	dir := writeContext(t, map[string]string{
		".dockerignore":     "node_modules\n*.log\n",
		"Dockerfile":        "FROM scratch\n",
		"app.js":            "console.log(1)",
		"node_modules/x.js": "x",
	})
	svc := buildService(dir)

	before, err := fingerprint(svc, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"node_modules", "*.log"}, before.Excludes)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "y.js"), []byte("y"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debug.log"), []byte("noise"), 0644))

	after, err := fingerprint(svc, 0)
	require.NoError(t, err)
	assert.Equal(t, before.Fingerprint, after.Fingerprint, "ignored files must not change the fingerprint")
}

func TestFingerprint_AlternateDockerfile(t *testing.T) {
	dir := writeContext(t, map[string]string{
		"Dockerfile":        "FROM scratch\n",
		"docker/Dockerfile": "FROM alpine\n",
	})
	svc := buildService(dir)
	svc.Build.Dockerfile = "docker/Dockerfile"

	fp, err := fingerprint(svc, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, fp.Fingerprint)

	svc.Build.Dockerfile = "missing/Dockerfile"
	_, err = fingerprint(svc, 0)
	require.Error(t, err)
}

func TestFingerprint_ContextTooLarge(t *testing.T) {
	dir := writeContext(t, map[string]string{
		"Dockerfile": "FROM scratch\n",
		"big.bin":    string(make([]byte, 4096)),
	})

	_, err := fingerprint(buildService(dir), 1024)
	require.ErrorIs(t, err, ErrContextTooLarge)
}
