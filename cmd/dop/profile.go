package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dopamine-pm/dop/internal/platform"
	"github.com/dopamine-pm/dop/internal/profile"
	"github.com/dopamine-pm/dop/internal/recipedir"
)

// discoverableTools maps a profile tool id to the executable names tried,
// in order, when --discover walks PATH.
var discoverableTools = map[string][]string{
	"cc":  {"cc", "gcc", "clang"},
	"c++": {"c++", "g++", "clang++"},
	"ld":  {"ld", "ld.lld"},
	"ar":  {"ar", "llvm-ar"},
	"dc":  {"dmd", "ldc2", "gdc"},
}

var profileCmd = &cobra.Command{
	Use:                "profile [name] [flags]",
	Short:              "Read/write the active build profile",
	DisableFlagParsing: true,
	RunE:               runProfile,
}

// runProfile parses its own flags rather than relying on cobra/pflag,
// because --set-<toolId>[=exe] is a family of flags named after
// arbitrary, recipe-declared tool ids unknown at flag-registration time.
func runProfile(cmd *cobra.Command, args []string) error {
	var (
		name        string
		discover    bool
		addMissing  bool
		setDebug    bool
		setRelease  bool
		exportName  string
		describe    bool
		manualTools = map[string]string{} // toolId -> exe path/name ("" means "discover this one")
	)

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--discover":
			discover = true
		case a == "--add-missing":
			addMissing = true
		case a == "--debug":
			setDebug = true
		case a == "--release":
			setRelease = true
		case a == "--describe":
			describe = true
		case a == "--export":
			i++
			if i >= len(args) {
				return fmt.Errorf("profile: --export requires a NAME argument")
			}
			exportName = args[i]
		case strings.HasPrefix(a, "--set-"):
			rest := strings.TrimPrefix(a, "--set-")
			toolID, exe, hasExe := strings.Cut(rest, "=")
			if !hasExe {
				exe = toolID
			}
			manualTools[toolID] = exe
		case strings.HasPrefix(a, "-"):
			return fmt.Errorf("profile: unrecognized flag %s", a)
		default:
			if name != "" {
				return fmt.Errorf("profile: unexpected argument %s", a)
			}
			name = a
		}
	}
	if name == "" {
		name = "default"
	}

	dir, err := recipedir.Open(".")
	if err != nil {
		return err
	}

	p, err := profile.Load(dir.ProfilePath())
	if err != nil {
		target, terr := platform.DetectTarget()
		if terr != nil {
			return fmt.Errorf("profile: detect host: %w", terr)
		}
		p = profile.New(name, profile.BuildTypeRelease, profile.HostInfo{OS: target.OS(), Arch: target.Arch()})
	}
	p.Name = name

	if setDebug {
		p.BuildType = profile.BuildTypeDebug
	}
	if setRelease {
		p.BuildType = profile.BuildTypeRelease
	}

	existing := map[string]profile.Tool{}
	for _, t := range p.Tools {
		existing[t.ID] = t
	}

	if discover {
		for id, candidates := range discoverableTools {
			if _, ok := existing[id]; ok && addMissing {
				continue
			}
			if t, ok := discoverTool(id, candidates); ok {
				existing[id] = t
			}
		}
	}

	for id, exe := range manualTools {
		path, verr := exec.LookPath(exe)
		if verr != nil {
			path = exe
		}
		existing[id] = profile.Tool{ID: id, Name: exe, Version: toolVersion(path), Path: path}
	}

	p.Tools = p.Tools[:0]
	for _, t := range existing {
		p.Tools = append(p.Tools, t)
	}

	if describe {
		text, err := p.CanonicalText()
		if err != nil {
			return err
		}
		fmt.Print(text)
		return nil
	}

	if err := dir.EnsureStateDir(); err != nil {
		return err
	}
	if err := profile.Save(dir.ProfilePath(), p, true); err != nil {
		return err
	}
	printInfof("Profile %q saved\n", p.Name)

	if exportName != "" {
		cfg, err := clientConfig()
		if err != nil {
			return err
		}
		exportPath := filepath.Join(cfg.HomeDir, "profiles", exportName+".ini")
		if err := os.MkdirAll(filepath.Dir(exportPath), 0o755); err != nil {
			return fmt.Errorf("profile: mkdir %s: %w", filepath.Dir(exportPath), err)
		}
		if err := profile.Save(exportPath, p, true); err != nil {
			return err
		}
		printInfof("Profile exported as %q (%s)\n", exportName, exportPath)
	}

	return nil
}

func discoverTool(id string, candidates []string) (profile.Tool, bool) {
	for _, exe := range candidates {
		path, err := exec.LookPath(exe)
		if err != nil {
			continue
		}
		return profile.Tool{ID: id, Name: exe, Version: toolVersion(path), Path: path}, true
	}
	return profile.Tool{}, false
}

// toolVersion best-effort runs "<path> --version" and keeps its first line.
func toolVersion(path string) string {
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return ""
	}
	line := strings.SplitN(string(out), "\n", 2)[0]
	return strings.TrimSpace(line)
}

// namedProfile resolves the -p/--profile flag other commands accept: a
// bare name looks up $DOP_HOME/profiles/<name>.ini, a path is loaded
// directly, and "" falls back to the recipe's own saved profile.
func namedProfile(dir recipedir.Dir, homeDir, nameOrPath string) (profile.Profile, error) {
	if nameOrPath == "" {
		return profile.Load(dir.ProfilePath())
	}
	if strings.Contains(nameOrPath, string(filepath.Separator)) || strings.HasSuffix(nameOrPath, ".ini") {
		return profile.Load(nameOrPath)
	}
	return profile.Load(filepath.Join(homeDir, "profiles", nameOrPath+".ini"))
}
