package alien

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	data := []byte(`{
		"name": "zlib",
		"version": "1.3.1",
		"sourceFiles": ["deflate.c", "inflate.c"],
		"includeDirs": ["include"],
		"versionIdents": ["stable"],
		"linkerFlags": ["-lm"],
		"dependencies": [{"name": "zconf", "spec": ">=1.0.0"}]
	}`)

	m, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "zlib", m.Name)
	assert.Equal(t, []string{"deflate.c", "inflate.c"}, m.SourceFiles)
	assert.Len(t, m.Dependencies, 1)
	assert.Equal(t, "zconf", m.Dependencies[0].Name)
}

func TestGeneratePlan(t *testing.T) {
	m := Manifest{
		Name:          "zlib",
		SourceFiles:   []string{"deflate.c", "inflate.c"},
		IncludeDirs:   []string{"include"},
		VersionIdents: []string{"stable"},
	}

	plan := GeneratePlan(m, "/src", "/build")

	assert.Equal(t, "libzlib.a", plan.TargetLib)
	require.Len(t, plan.Compiles, 2)
	assert.Equal(t, "/src/deflate.c", plan.Compiles[0].Source)
	assert.Equal(t, "/build/deflate.o", plan.Compiles[0].Object)
	assert.Contains(t, plan.CFlags, "-I/src/include")
	assert.Contains(t, plan.CFlags, "-DVERSION_STABLE")
}

func TestWriteNinja(t *testing.T) {
	plan := GeneratePlan(Manifest{
		Name:        "zlib",
		SourceFiles: []string{"deflate.c"},
	}, "/src", "/build")

	out := WriteNinja(plan)

	assert.True(t, strings.Contains(out, "rule cc"))
	assert.True(t, strings.Contains(out, "rule ar"))
	assert.True(t, strings.Contains(out, "build /build/deflate.o: cc /src/deflate.c"))
	assert.True(t, strings.Contains(out, "build libzlib.a: ar /build/deflate.o"))
	assert.True(t, strings.Contains(out, "default libzlib.a"))
}

func TestGeneratePkgConfig(t *testing.T) {
	m := Manifest{
		Name:        "zlib",
		Description: "compression library",
		Version:     "1.3.1",
		Dependencies: []Dependency{
			{Name: "zconf", Spec: ">=1.0.0"},
		},
	}

	out := GeneratePkgConfig(m, "/usr/local")

	assert.Contains(t, out, "prefix=/usr/local")
	assert.Contains(t, out, "Name: zlib")
	assert.Contains(t, out, "Requires: zconf")
	assert.Contains(t, out, "Cflags: -I${includedir}/zlib")
	assert.Contains(t, out, "Libs: -L${libdir} -lzlib")
}
