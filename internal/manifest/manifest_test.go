package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/ktime/internal/env"
	"github.com/codex-k8s/ktime/internal/manifest"
)

const podYAML = `apiVersion: v1
kind: Pod
metadata:
  name: web
  namespace: team-a
spec:
  containers:
  - name: nginx
    image: nginx:1.27
    ports:
    - containerPort: 80
`

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	doc, err := manifest.Load(write(t, podYAML), manifest.LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "Pod", doc.Object.GetKind())
	assert.Equal(t, "v1", doc.Object.GetAPIVersion())
	assert.Equal(t, "web", doc.Object.GetName())
	assert.Equal(t, "team-a", doc.Object.GetNamespace())

	containers, found, err := unstructured.NestedSlice(doc.Object.Object, "spec", "containers")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, containers, 1)
	ports := containers[0].(map[string]any)["ports"].([]any)
	assert.Equal(t, int64(80), ports[0].(map[string]any)["containerPort"])
}

func TestLoad_JSON(t *testing.T) {
	t.Parallel()

	doc, err := manifest.Load(write(t, `{"apiVersion":"apps/v1","kind":"Deployment","metadata":{"name":"api"}}`), manifest.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Deployment", doc.Object.GetKind())
	assert.Empty(t, doc.Object.GetNamespace())
}

func TestLoad_DoesNotValidateTypeMetadata(t *testing.T) {
	t.Parallel()

	doc, err := manifest.Load(write(t, "metadata:\n  name: orphan\n"), manifest.LoadOptions{})
	require.NoError(t, err)
	assert.Empty(t, doc.Object.GetKind())
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := manifest.Load(filepath.Join(t.TempDir(), "absent.yaml"), manifest.LoadOptions{})
	require.ErrorIs(t, err, manifest.ErrManifestRead)
	assert.Contains(t, err.Error(), "absent.yaml")
}

func TestLoad_ParseErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"malformed":      "kind: Pod\nmetadata: [unterminated\n",
		"empty":          "",
		"comments only":  "# nothing here\n",
		"scalar root":    "just a string\n",
		"list root":      "- a\n- b\n",
		"multi document": podYAML + "---\n" + podYAML,
	}
	for name, content := range cases {
		_, err := manifest.Load(write(t, content), manifest.LoadOptions{})
		assert.ErrorIs(t, err, manifest.ErrManifestParse, name)
	}
}

func TestLoad_TrailingSeparatorIsSingleDocument(t *testing.T) {
	t.Parallel()

	_, err := manifest.Load(write(t, "---\n"+podYAML+"---\n"), manifest.LoadOptions{})
	require.NoError(t, err)
}

func TestLoad_Template(t *testing.T) {
	t.Parallel()

	content := `apiVersion: v1
kind: Pod
metadata:
  name: {{ var "NAME" }}
spec:
  containers:
  - name: main
    image: {{ envOr "KTIME_TEST_IMAGE_UNSET" "busybox:1.37" }}
`
	doc, err := manifest.Load(write(t, content), manifest.LoadOptions{Template: true, Vars: env.Vars{"NAME": "templated"}})
	require.NoError(t, err)
	assert.Equal(t, "templated", doc.Object.GetName())

	_, err = manifest.Load(write(t, content), manifest.LoadOptions{Template: true})
	assert.ErrorIs(t, err, manifest.ErrManifestParse)
}
