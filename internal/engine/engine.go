// Package engine embeds a small, deterministic, single-threaded Lua
// interpreter to evaluate dopamine.lua recipe scripts and expose the host
// module (filesystem, process spawn, archive I/O, checksums, compiler-env
// composition) recipes call back into.
//
// A single *lua.LState is strictly single-threaded: callers (the
// orchestrator) must serialize every call into a given Engine/Recipe.
package engine

import (
	"fmt"
	"path/filepath"
	"runtime"

	lua "github.com/yuin/gopher-lua"

	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/recipe"
)

// Engine loads dopamine.lua recipe scripts and produces recipe.Recipe
// handles backed by a Lua interpreter instance.
type Engine struct {
	logger log.Logger
}

// New returns an Engine. logger may be nil, in which case the package
// default logger is used.
func New(logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{logger: logger}
}

// Load reads and evaluates the recipe script at recipeFile (rooted under
// root) and returns the resulting recipe.Recipe. The script's globals are
// inspected once at load time per the recipe contract; the `build`,
// `dependencies`, `source`, and `stage` fields (when functions) are
// invoked lazily by the returned Recipe's methods, each call serialized
// through the same *lua.LState. A `post_stage` global is neither read nor
// invoked.
func (e *Engine) Load(root, recipeFile string) (recipe.Recipe, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve root %s: %w", root, err)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	L.PreloadModule("dop", hostModuleLoader(absRoot, e.logger))

	path := recipeFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(absRoot, recipeFile)
	}
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, &recipeError{file: path, err: err}
	}

	r := &luarecipe{
		L:          L,
		root:       absRoot,
		recipeFile: recipeFile,
		logger:     e.logger,
	}
	if err := r.readContract(); err != nil {
		L.Close()
		return nil, err
	}
	return r, nil
}

// recipeError wraps a script evaluation failure with the kind RecipeError
// carries in the rest of the system (see internal/doperrors).
type recipeError struct {
	file string
	err  error
}

func (e *recipeError) Error() string {
	return fmt.Sprintf("recipe error in %s: %v", e.file, e.err)
}
func (e *recipeError) Unwrap() error { return e.err }

// hostOS returns the constant the spec's host module exposes for the
// current operating system: one of Linux, OSX, Posix, Windows.
func hostOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "OSX"
	case "windows":
		return "Windows"
	case "linux":
		return "Linux"
	default:
		return "Posix"
	}
}

func isPosix() bool { return runtime.GOOS != "windows" }
