package engine

import (
	"crypto/md5"  //nolint:gosec // checksum algorithm selection is caller-driven, matching the spec's md5/sha1/sha256 menu
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dopamine-pm/dop/internal/archive"
	"github.com/dopamine-pm/dop/internal/httputil"
	"github.com/dopamine-pm/dop/internal/log"
)

// hostModuleLoader returns the require("dop") loader exposing the host API
// to recipe scripts. root is the initial working directory; all host
// functions that touch the filesystem resolve relative paths against the
// engine's current working directory, tracked on the Lua state's registry
// under cwdKey. path() only joins its arguments and does not consult root.
func hostModuleLoader(root string, logger log.Logger) lua.LGFunction {
	return func(L *lua.LState) int {
		mod := L.NewTable()

		setCwd(L, root)

		L.SetField(mod, "os", lua.LString(hostOS()))
		L.SetField(mod, "posix", lua.LBool(isPosix()))
		L.SetField(mod, "dir_sep", lua.LString(string(filepath.Separator)))
		L.SetField(mod, "path_sep", lua.LString(string(os.PathListSeparator)))

		fns := map[string]lua.LGFunction{
			"path":             hostPath,
			"dir_name":         hostDirName,
			"base_name":        hostBaseName,
			"cwd":              hostCwd,
			"chdir":            hostChdir,
			"is_file":          hostIsFile,
			"is_dir":           hostIsDir,
			"mkdir":            hostMkdir,
			"copy":             hostCopy,
			"install_file":     hostInstallFile,
			"install_dir":      hostInstallDir,
			"run_cmd":          makeHostRunCmd(logger),
			"profile_environment": hostProfileEnvironment,
			"download":         hostDownload,
			"checksum":         hostChecksum,
			"create_archive":   hostCreateArchive,
			"extract_archive":  hostExtractArchive,
			"from_dir":         hostFromDir,
		}
		for name, fn := range fns {
			L.SetField(mod, name, L.NewFunction(fn))
		}

		L.Push(mod)
		return 1
	}
}

const cwdRegistryKey = "dop.cwd"

func setCwd(L *lua.LState, dir string) {
	L.SetGlobal(cwdRegistryKey, lua.LString(dir))
}

func getCwd(L *lua.LState) string {
	v := L.GetGlobal(cwdRegistryKey)
	if s, ok := v.(lua.LString); ok {
		return string(s)
	}
	return ""
}

// resolve joins a possibly-relative path against the engine's tracked cwd.
func resolve(L *lua.LState, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(getCwd(L), p)
}

// hostPath implements path(parts...): join; all but the first part must be
// relative.
func hostPath(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := L.CheckString(i)
		if i > 1 && filepath.IsAbs(p) {
			L.RaiseError("path: argument %d (%q) must be relative", i, p)
			return 0
		}
		parts = append(parts, p)
	}
	L.Push(lua.LString(filepath.Join(parts...)))
	return 1
}

// hostDirName implements dir_name(p, n=1): POSIX-semantics ascent by n
// levels; errors if it would exceed root.
func hostDirName(L *lua.LState) int {
	p := L.CheckString(1)
	n := 1
	if L.GetTop() >= 2 {
		n = L.CheckInt(2)
	}
	dir := p
	for i := 0; i < n; i++ {
		next := filepath.Dir(dir)
		if next == dir {
			L.RaiseError("dir_name: %q has no parent beyond root", p)
			return 0
		}
		dir = next
	}
	L.Push(lua.LString(dir))
	return 1
}

func hostBaseName(L *lua.LState) int {
	p := L.CheckString(1)
	L.Push(lua.LString(filepath.Base(p)))
	return 1
}

func hostCwd(L *lua.LState) int {
	L.Push(lua.LString(getCwd(L)))
	return 1
}

func hostChdir(L *lua.LState) int {
	p := resolve(L, L.CheckString(1))
	setCwd(L, p)
	return 0
}

func hostIsFile(L *lua.LState) int {
	p := resolve(L, L.CheckString(1))
	info, err := os.Stat(p)
	L.Push(lua.LBool(err == nil && !info.IsDir()))
	return 1
}

func hostIsDir(L *lua.LState) int {
	p := resolve(L, L.CheckString(1))
	info, err := os.Stat(p)
	L.Push(lua.LBool(err == nil && info.IsDir()))
	return 1
}

// hostMkdir implements mkdir({p, recurse?}).
func hostMkdir(L *lua.LState) int {
	tbl := L.CheckTable(1)
	p := resolve(L, tableString(tbl, "p", ""))
	recurse := tableBool(tbl, "recurse", false)

	var err error
	if recurse {
		err = os.MkdirAll(p, 0o755)
	} else {
		err = os.Mkdir(p, 0o755)
	}
	if err != nil {
		L.RaiseError("mkdir %s: %v", p, err)
	}
	return 0
}

func hostCopy(L *lua.LState) int {
	src := resolve(L, L.CheckString(1))
	dst := resolve(L, L.CheckString(2))
	if err := copyFile(src, dst, true); err != nil {
		L.RaiseError("copy %s -> %s: %v", src, dst, err)
	}
	return 0
}

func hostInstallFile(L *lua.LState) int {
	src := resolve(L, L.CheckString(1))
	dst := resolve(L, L.CheckString(2))
	if err := copyFile(src, dst, true); err != nil {
		L.RaiseError("install_file %s -> %s: %v", src, dst, err)
	}
	return 0
}

func hostInstallDir(L *lua.LState) int {
	src := resolve(L, L.CheckString(1))
	dst := resolve(L, L.CheckString(2))
	if err := mirrorTree(src, dst); err != nil {
		L.RaiseError("install_dir %s -> %s: %v", src, dst, err)
	}
	return 0
}

// copyFile copies src to dst, creating parent directories, and optionally
// preserves the source mtime on dst.
func copyFile(src, dst string, preserveTime bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if preserveTime {
		return os.Chtimes(dst, info.ModTime(), info.ModTime())
	}
	return nil
}

// mirrorTree recursively copies src into dst, preserving relative
// structure and file modification times.
func mirrorTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		return copyFile(path, target, true)
	})
}

// makeHostRunCmd implements run_cmd({argv, workdir?, env?, loglevel?,
// allow_fail?, catch_output?}).
func makeHostRunCmd(logger log.Logger) lua.LGFunction {
	return func(L *lua.LState) int {
		tbl := L.CheckTable(1)

		argv := tableStringArray(tbl, "argv")
		if len(argv) == 0 {
			L.RaiseError("run_cmd: argv must be a non-empty array")
			return 0
		}
		workdir := tableString(tbl, "workdir", "")
		allowFail := tableBool(tbl, "allow_fail", false)
		catchOutput := tableBool(tbl, "catch_output", false)
		env := tableStringMap(tbl, "env")

		cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv is recipe-authored, matching run_cmd's spec contract
		if workdir != "" {
			cmd.Dir = resolve(L, workdir)
		} else {
			cmd.Dir = getCwd(L)
		}
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}

		var out []byte
		var err error
		if catchOutput {
			out, err = cmd.CombinedOutput()
		} else {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			err = cmd.Run()
		}

		status := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				status = exitErr.ExitCode()
			} else {
				L.RaiseError("run_cmd %v: %v", argv, err)
				return 0
			}
		}

		if status != 0 && !allowFail {
			logger.Debug("run_cmd failed", "argv", argv, "status", status)
			L.RaiseError("run_cmd %v: exit status %d: %s", argv, status, string(out))
			return 0
		}

		switch {
		case catchOutput:
			result := L.NewTable()
			L.SetField(result, "status", lua.LNumber(status))
			L.SetField(result, "output", lua.LString(string(out)))
			L.Push(result)
			return 1
		default:
			L.Push(lua.LNumber(status))
			return 1
		}
	}
}

// hostProfileEnvironment implements profile_environment(profileTable),
// materializing compiler/toolchain env variables from a Profile table
// built by internal/profile and exposed via the dependencies()/build()
// bridge (see luarecipe.go's profileToLua).
func hostProfileEnvironment(L *lua.LState) int {
	profileTbl := L.CheckTable(1)
	toolsVal := L.GetField(profileTbl, "tool")
	result := L.NewTable()

	tools, ok := toolsVal.(*lua.LTable)
	if !ok {
		L.Push(result)
		return 1
	}
	tools.ForEach(func(_, v lua.LValue) {
		t, ok := v.(*lua.LTable)
		if !ok {
			return
		}
		id := tableString(t, "id", "")
		path := tableString(t, "path", "")
		if id == "" || path == "" {
			return
		}
		L.SetField(result, envKeyForTool(id), lua.LString(path))
	})
	L.Push(result)
	return 1
}

func envKeyForTool(id string) string {
	switch id {
	case "cc":
		return "CC"
	case "c++", "cxx":
		return "CXX"
	case "dc":
		return "DC"
	default:
		return id
	}
}

func hostDownload(L *lua.LState) int {
	tbl := L.CheckTable(1)
	url := tableString(tbl, "url", "")
	dest := resolve(L, tableString(tbl, "dest", ""))
	if url == "" || dest == "" {
		L.RaiseError("download: url and dest are required")
		return 0
	}

	client := httputil.NewSecureClient(httputil.DefaultOptions())
	resp, err := client.Get(url)
	if err != nil {
		L.RaiseError("download %s: %v", url, err)
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		L.RaiseError("download %s: HTTP %d", url, resp.StatusCode)
		return 0
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		L.RaiseError("download %s: %v", url, err)
		return 0
	}
	out, err := os.Create(dest)
	if err != nil {
		L.RaiseError("download %s: %v", url, err)
		return 0
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		L.RaiseError("download %s: %v", url, err)
		return 0
	}
	return 0
}

// hostChecksum implements checksum({files, md5?, sha1?, sha256?}): verify
// each listed file against each supplied algorithm; an algorithm value may
// be a single string (one file) or an array (same count as files).
func hostChecksum(L *lua.LState) int {
	tbl := L.CheckTable(1)
	files := tableStringArray(tbl, "files")
	if len(files) == 0 {
		L.RaiseError("checksum: files is required")
		return 0
	}

	for _, alg := range []string{"md5", "sha1", "sha256"} {
		val := L.GetField(tbl, alg)
		if val == lua.LNil {
			continue
		}
		var expected []string
		switch v := val.(type) {
		case lua.LString:
			expected = []string{string(v)}
		case *lua.LTable:
			v.ForEach(func(_, item lua.LValue) {
				expected = append(expected, item.String())
			})
		}
		if len(expected) != 1 && len(expected) != len(files) {
			L.RaiseError("checksum: %s has %d entries for %d files", alg, len(expected), len(files))
			return 0
		}
		for i, f := range files {
			want := expected[0]
			if len(expected) == len(files) {
				want = expected[i]
			}
			got, err := hashFile(resolve(L, f), alg)
			if err != nil {
				L.RaiseError("checksum %s: %v", f, err)
				return 0
			}
			if !strings.EqualFold(got, want) {
				L.RaiseError("checksum mismatch for %s: want %s got %s", f, want, got)
				return 0
			}
		}
	}
	return 0
}

func hashFile(path, alg string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h interface {
		io.Writer
		Sum([]byte) []byte
	}
	switch alg {
	case "md5":
		h = md5.New() //nolint:gosec
	case "sha1":
		h = sha1.New() //nolint:gosec
	default:
		h = sha256.New()
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hostCreateArchive(L *lua.LState) int {
	tbl := L.CheckTable(1)
	indir := resolve(L, tableString(tbl, "indir", ""))
	archivePath := resolve(L, tableString(tbl, "archive", ""))

	if _, err := archive.Create(archivePath, indir); err != nil {
		L.RaiseError("create_archive: %v", err)
	}
	return 0
}

func hostExtractArchive(L *lua.LState) int {
	tbl := L.CheckTable(1)
	archivePath := resolve(L, tableString(tbl, "archive", ""))
	outdir := resolve(L, tableString(tbl, "outdir", ""))

	if err := archive.Extract(archivePath, outdir); err != nil {
		L.RaiseError("extract_archive: %v", err)
	}
	return 0
}

// hostFromDir implements from_dir(dir, fn): scoped acquisition of
// cwd=dir around fn, guaranteed restoration on all exit paths including
// failure (a Lua error raised inside fn propagates after cwd is restored,
// since RaiseError unwinds through a Go panic gopher-lua recovers at the
// pcall boundary, and this function's cwd restore runs via defer first).
func hostFromDir(L *lua.LState) int {
	dir := resolve(L, L.CheckString(1))
	fn := L.CheckFunction(2)

	prev := getCwd(L)
	setCwd(L, dir)
	defer setCwd(L, prev)

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		L.RaiseError("from_dir %s: %v", dir, err)
	}
	return 0
}

// --- small Lua table helpers -------------------------------------------------

func tableString(t *lua.LTable, key, def string) string {
	v := t.RawGetString(key)
	if s, ok := v.(lua.LString); ok {
		return string(s)
	}
	return def
}

func tableBool(t *lua.LTable, key string, def bool) bool {
	v := t.RawGetString(key)
	if b, ok := v.(lua.LBool); ok {
		return bool(b)
	}
	return def
}

func tableStringArray(t *lua.LTable, key string) []string {
	v := t.RawGetString(key)
	arr, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	var out []string
	arr.ForEach(func(_, item lua.LValue) {
		out = append(out, item.String())
	})
	return out
}

func tableStringMap(t *lua.LTable, key string) map[string]string {
	v := t.RawGetString(key)
	m, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	out := map[string]string{}
	m.ForEach(func(k, v lua.LValue) {
		out[k.String()] = v.String()
	})
	return out
}
