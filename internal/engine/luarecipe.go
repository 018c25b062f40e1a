package engine

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/dopamine-pm/dop/internal/buildid"
	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/profile"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/semver"
)

// luarecipe implements recipe.Recipe over a loaded *lua.LState. Every
// method that calls back into the script serializes through L; callers
// (the orchestrator) must not invoke two methods of the same luarecipe
// concurrently.
type luarecipe struct {
	L          *lua.LState
	root       string
	recipeFile string
	logger     log.Logger

	name        string
	version     string
	description string
	license     string
	upstreamURL string
	tools       []string
	options     map[string]recipe.OptionSpec
	revision    buildid.RecipeRevision

	hasBuild   bool
	hasSource  bool
	hasStage   bool
	stageFalse bool
	hasDeps    bool
	include    *lua.LFunction // non-nil when include is a function
	includeVal lua.LValue     // raw global, for string/array forms
}

// readContract inspects the script's globals once, per the recipe
// contract in §4.A.
func (r *luarecipe) readContract() error {
	L := r.L

	r.name = globalString(L, "name")
	r.version = globalString(L, "version")
	r.description = globalString(L, "description")
	r.license = globalString(L, "license")
	r.upstreamURL = globalString(L, "upstream_url")

	if toolsTbl, ok := L.GetGlobal("tools").(*lua.LTable); ok {
		toolsTbl.ForEach(func(_, v lua.LValue) {
			r.tools = append(r.tools, v.String())
		})
	}

	r.options = map[string]recipe.OptionSpec{}
	if optsTbl, ok := L.GetGlobal("options").(*lua.LTable); ok {
		optsTbl.ForEach(func(k, v lua.LValue) {
			spec, ok := v.(*lua.LTable)
			if !ok {
				return
			}
			defaultVal := luaToOptionValue(spec.RawGetString("default"))
			r.options[k.String()] = recipe.OptionSpec{
				Default:     defaultVal,
				Description: tableString(spec, "description", ""),
			}
		})
	}

	_, r.hasBuild = L.GetGlobal("build").(*lua.LFunction)
	switch L.GetGlobal("source").(type) {
	case *lua.LFunction, lua.LString:
		r.hasSource = true
	}
	_, r.hasDeps = globalIsFunctionOrTable(L, "dependencies")

	switch v := L.GetGlobal("stage").(type) {
	case *lua.LFunction:
		r.hasStage = true
	case lua.LBool:
		if !bool(v) {
			r.stageFalse = true
		}
	}

	switch v := L.GetGlobal("include").(type) {
	case *lua.LFunction:
		r.include = v
	case lua.LString, *lua.LTable:
		r.includeVal = v
	}

	if r.name == "" && !r.IsLight() {
		return fmt.Errorf("recipe: %s: non-light recipes must declare name", r.recipeFile)
	}
	return nil
}

func globalIsFunctionOrTable(L *lua.LState, name string) (lua.LValue, bool) {
	v := L.GetGlobal(name)
	switch v.(type) {
	case *lua.LFunction, *lua.LTable:
		return v, true
	default:
		return nil, false
	}
}

func globalString(L *lua.LState, name string) string {
	if s, ok := L.GetGlobal(name).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func (r *luarecipe) Root() string        { return r.root }
func (r *luarecipe) Name() string        { return r.name }
func (r *luarecipe) Version() string     { return r.version }
func (r *luarecipe) Description() string { return r.description }
func (r *luarecipe) License() string     { return r.license }
func (r *luarecipe) UpstreamURL() string { return r.upstreamURL }
func (r *luarecipe) Tools() []string     { return r.tools }

func (r *luarecipe) Options() map[string]recipe.OptionSpec { return r.options }

func (r *luarecipe) Revision() buildid.RecipeRevision    { return r.revision }
func (r *luarecipe) SetRevision(rev buildid.RecipeRevision) { r.revision = rev }

func (r *luarecipe) IsLight() bool  { return !r.hasBuild && r.hasDeps }
func (r *luarecipe) IsAlien() bool  { return false }
func (r *luarecipe) InTreeSrc() bool { return !r.hasSource }
func (r *luarecipe) HasDependencies() bool { return r.hasDeps }
func (r *luarecipe) CanStage() bool  { return !r.stageFalse }

// Include lists extra recipe-content files. A string yields one path, a
// table yields each element, and a function is called with no arguments
// and must return one of those two forms.
func (r *luarecipe) Include() ([]string, error) {
	v := r.includeVal
	if r.include != nil {
		if err := r.L.CallByParam(lua.P{Fn: r.include, NRet: 1, Protect: true}); err != nil {
			return nil, fmt.Errorf("recipe: include(): %w", err)
		}
		v = r.L.Get(-1)
		r.L.Pop(1)
	}
	switch t := v.(type) {
	case lua.LString:
		return []string{string(t)}, nil
	case *lua.LTable:
		var out []string
		t.ForEach(func(_, item lua.LValue) { out = append(out, item.String()) })
		return out, nil
	default:
		return nil, nil
	}
}

// Dependencies evaluates the `dependencies` global (a table, or a function
// taking the resolve profile) and translates entries into DepSpec values.
func (r *luarecipe) Dependencies(cfg recipe.ResolveConfig) ([]recipe.DepSpec, error) {
	if !r.hasDeps {
		return nil, nil
	}
	L := r.L

	v := L.GetGlobal("dependencies")
	tbl, ok := v.(*lua.LTable)
	if !ok {
		fn, ok := v.(*lua.LFunction)
		if !ok {
			return nil, nil
		}
		profileTbl := resolveConfigToLua(L, cfg)
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, profileTbl); err != nil {
			return nil, fmt.Errorf("recipe: dependencies(): %w", err)
		}
		tbl, ok = L.Get(-1).(*lua.LTable)
		L.Pop(1)
		if !ok {
			return nil, nil
		}
	}

	var specs []recipe.DepSpec
	var rangeErr error
	tbl.ForEach(func(key, val lua.LValue) {
		if rangeErr != nil {
			return
		}
		name := key.String()
		spec, err := parseDepEntry(name, val)
		if err != nil {
			rangeErr = err
			return
		}
		specs = append(specs, spec)
	})
	return specs, rangeErr
}

func parseDepEntry(name string, val lua.LValue) (recipe.DepSpec, error) {
	out := recipe.DepSpec{Name: name, Provider: recipe.ProviderNative, Spec: semver.Any}

	switch v := val.(type) {
	case lua.LString:
		spec, err := semver.ParseSpec(string(v))
		if err != nil {
			return out, fmt.Errorf("dependency %s: %w", name, err)
		}
		out.Spec = spec
	case *lua.LTable:
		if s := tableString(v, "version", "*"); s != "" {
			spec, err := semver.ParseSpec(s)
			if err != nil {
				return out, fmt.Errorf("dependency %s: %w", name, err)
			}
			out.Spec = spec
		}
		if p := tableString(v, "provider", ""); p == string(recipe.ProviderAlien) {
			out.Provider = recipe.ProviderAlien
		}
		opts := profile.NewOptionSet()
		if optsTbl, ok := v.RawGetString("options").(*lua.LTable); ok {
			optsTbl.ForEach(func(k, ov lua.LValue) {
				opts[k.String()] = luaToOptionValue(ov)
			})
		}
		out.Options = opts
	}
	return out, nil
}

// Source ensures the source directory exists and returns its absolute
// path. For in-tree recipes this is simply root; otherwise the script's
// `source` global (string or function) is consulted.
func (r *luarecipe) Source(ctx context.Context, root string) (string, error) {
	if !r.hasSource {
		return root, nil
	}
	L := r.L
	v := L.GetGlobal("source")
	switch s := v.(type) {
	case lua.LString:
		return resolve(L, string(s)), nil
	case *lua.LFunction:
		if err := L.CallByParam(lua.P{Fn: s, NRet: 1, Protect: true}); err != nil {
			return "", fmt.Errorf("recipe: source(): %w", err)
		}
		result := L.Get(-1)
		L.Pop(1)
		if s, ok := result.(lua.LString); ok {
			return resolve(L, string(s)), nil
		}
		return root, nil
	default:
		return root, nil
	}
}

// Build invokes the script's build(dirs, config, depInfos) function.
func (r *luarecipe) Build(ctx context.Context, dirs recipe.BuildDirs, cfg profile.BuildConfig, deps map[string]recipe.DepInfo) error {
	if !r.hasBuild {
		return nil
	}
	L := r.L
	fn, ok := L.GetGlobal("build").(*lua.LFunction)
	if !ok {
		return nil
	}

	dirsTbl := L.NewTable()
	L.SetField(dirsTbl, "root", lua.LString(dirs.Root))
	L.SetField(dirsTbl, "src", lua.LString(dirs.Src))
	L.SetField(dirsTbl, "build", lua.LString(dirs.Build))
	L.SetField(dirsTbl, "install", lua.LString(dirs.Install))

	configTbl := L.NewTable()
	L.SetField(configTbl, "profile", profileToLua(L, cfg.Profile))
	L.SetField(configTbl, "options", optionSetToLua(L, cfg.Options))

	depsTbl := L.NewTable()
	for name, info := range deps {
		t := L.NewTable()
		L.SetField(t, "install_dir", lua.LString(info.InstallDir))
		L.SetField(depsTbl, name, t)
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, dirsTbl, configTbl, depsTbl); err != nil {
		return &recipeError{file: r.recipeFile, err: err}
	}
	return nil
}

// Stage invokes the script's stage(src, dst) function, or performs the
// default recursive install-tree copy when the recipe declares none.
func (r *luarecipe) Stage(ctx context.Context, src, dst string) error {
	L := r.L
	fn, ok := L.GetGlobal("stage").(*lua.LFunction)
	if !ok {
		return mirrorTree(src, dst)
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, lua.LString(src), lua.LString(dst)); err != nil {
		return &recipeError{file: r.recipeFile, err: err}
	}
	return nil
}

// Close releases the underlying Lua interpreter.
func (r *luarecipe) Close() { r.L.Close() }

func luaToOptionValue(v lua.LValue) profile.OptionValue {
	switch t := v.(type) {
	case lua.LBool:
		return profile.BoolValue(bool(t))
	case lua.LNumber:
		return profile.IntValue(int64(t))
	default:
		return profile.StringValue(v.String())
	}
}

func optionSetToLua(L *lua.LState, opts profile.OptionSet) *lua.LTable {
	t := L.NewTable()
	for name, v := range opts {
		switch v.Kind {
		case profile.OptionBool:
			L.SetField(t, name, lua.LBool(v.Bool))
		case profile.OptionInt:
			L.SetField(t, name, lua.LNumber(v.Int))
		default:
			L.SetField(t, name, lua.LString(v.Str))
		}
	}
	return t
}

func profileToLua(L *lua.LState, p profile.Profile) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "basename", lua.LString(p.Basename))
	L.SetField(t, "name", lua.LString(p.Name))
	L.SetField(t, "build_type", lua.LString(p.BuildType))

	host := L.NewTable()
	L.SetField(host, "os", lua.LString(p.HostInfo.OS))
	L.SetField(host, "arch", lua.LString(p.HostInfo.Arch))
	L.SetField(t, "host", host)

	toolTbl := L.NewTable()
	for _, tool := range p.Tools {
		entry := L.NewTable()
		L.SetField(entry, "id", lua.LString(tool.ID))
		L.SetField(entry, "name", lua.LString(tool.Name))
		L.SetField(entry, "version", lua.LString(tool.Version))
		L.SetField(entry, "path", lua.LString(tool.Path))
		toolTbl.Append(entry)
	}
	L.SetField(t, "tool", toolTbl)
	return t
}

func resolveConfigToLua(L *lua.LState, cfg recipe.ResolveConfig) *lua.LTable {
	t := L.NewTable()
	host := L.NewTable()
	L.SetField(host, "os", lua.LString(cfg.Host.OS))
	L.SetField(host, "arch", lua.LString(cfg.Host.Arch))
	L.SetField(t, "host", host)
	L.SetField(t, "build_type", lua.LString(cfg.BuildType))
	L.SetField(t, "options", optionSetToLua(L, cfg.Options))
	return t
}
