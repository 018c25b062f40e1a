package alien

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CompileRule is one source file's compile step: its object output and
// the -MD-style dependency file ninja uses for incremental rebuilds.
type CompileRule struct {
	Source  string
	Object  string
	DepFile string
}

// Plan is the generated ninja-like build description for one alien
// package: a compile rule per source unit, plus a single rule linking
// every object into a static library.
type Plan struct {
	PackageName string
	TargetLib   string // e.g. libfoo.a
	Compiles    []CompileRule
	CFlags      []string
}

// GeneratePlan derives a Plan from m, rooted at srcDir (where its source
// files live) and buildDir (where objects land).
func GeneratePlan(m Manifest, srcDir, buildDir string) Plan {
	var cflags []string
	for _, dir := range m.IncludeDirs {
		cflags = append(cflags, "-I"+filepath.Join(srcDir, dir))
	}
	for _, ident := range m.VersionIdents {
		cflags = append(cflags, "-DVERSION_"+strings.ToUpper(ident))
	}
	for _, ident := range m.DebugIdents {
		cflags = append(cflags, "-DDEBUG_"+strings.ToUpper(ident))
	}

	plan := Plan{
		PackageName: m.Name,
		TargetLib:   "lib" + m.Name + ".a",
		CFlags:      cflags,
	}

	for _, src := range m.SourceFiles {
		base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		obj := filepath.Join(buildDir, base+".o")
		plan.Compiles = append(plan.Compiles, CompileRule{
			Source:  filepath.Join(srcDir, src),
			Object:  obj,
			DepFile: obj + ".d",
		})
	}

	return plan
}

// WriteNinja renders plan as a ninja build file: one compile rule per
// source unit with -MD dependency capture, and a single ar rule linking
// every object into the target static library.
func WriteNinja(plan Plan) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# generated for %s, do not edit\n\n", plan.PackageName)
	fmt.Fprintf(&sb, "cflags = %s\n\n", strings.Join(plan.CFlags, " "))

	sb.WriteString("rule cc\n")
	sb.WriteString("  depfile = $out.d\n")
	sb.WriteString("  deps = gcc\n")
	sb.WriteString("  command = cc $cflags -MD -MF $out.d -c $in -o $out\n\n")

	sb.WriteString("rule ar\n")
	sb.WriteString("  command = ar rcs $out $in\n\n")

	var objects []string
	for _, c := range plan.Compiles {
		fmt.Fprintf(&sb, "build %s: cc %s\n", c.Object, c.Source)
		objects = append(objects, c.Object)
	}
	sb.WriteString("\n")

	fmt.Fprintf(&sb, "build %s: ar %s\n", plan.TargetLib, strings.Join(objects, " "))
	fmt.Fprintf(&sb, "default %s\n", plan.TargetLib)

	return sb.String()
}

// GeneratePkgConfig renders a pkg-config .pc file for m: Cflags reference
// the canonicalized ${includedir}/<pkg> path, Libs reference
// ${libdir}/<target> followed by m's linker flags, and Requires lists m's
// alien/native submodule dependencies.
func GeneratePkgConfig(m Manifest, prefix string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "prefix=%s\n", prefix)
	sb.WriteString("includedir=${prefix}/include\n")
	sb.WriteString("libdir=${prefix}/lib\n\n")

	fmt.Fprintf(&sb, "Name: %s\n", m.Name)
	fmt.Fprintf(&sb, "Description: %s\n", m.Description)
	fmt.Fprintf(&sb, "Version: %s\n", m.Version)

	if len(m.Dependencies) > 0 {
		names := make([]string, len(m.Dependencies))
		for i, d := range m.Dependencies {
			names[i] = d.Name
		}
		fmt.Fprintf(&sb, "Requires: %s\n", strings.Join(names, ", "))
	}

	fmt.Fprintf(&sb, "Cflags: -I${includedir}/%s\n", m.Name)
	libs := fmt.Sprintf("-L${libdir} -l%s", m.Name)
	if len(m.LinkerFlags) > 0 {
		libs += " " + strings.Join(m.LinkerFlags, " ")
	}
	fmt.Fprintf(&sb, "Libs: %s\n", libs)

	return sb.String()
}
