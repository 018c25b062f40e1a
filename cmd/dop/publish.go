package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dopamine-pm/dop/internal/archive"
	"github.com/dopamine-pm/dop/internal/depservices"
	"github.com/dopamine-pm/dop/internal/doperrors"
	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/orchestrator"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/recipedir"
	"github.com/dopamine-pm/dop/internal/resolver"
)

var (
	publishCheckProfile string
	publishSkipCVSClean bool
	publishOptions      []string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Archive the recipe and upload it to the registry",
	RunE:  runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishCheckProfile, "check-profile", "", "profile to verify the integrity build under")
	publishCmd.Flags().BoolVar(&publishSkipCVSClean, "skip-cvs-clean", false, "skip the check that the recipe tree has no uncommitted changes")
	publishCmd.Flags().StringArrayVarP(&publishOptions, "option", "o", nil, "set an option as k=v (repeatable)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	logger := log.Default()
	dir, root, err := loadRootRecipe(logger)
	if err != nil {
		return err
	}

	if !publishSkipCVSClean {
		if dirty, reason := cvsTreeDirty(dir.Root); dirty {
			err := &doperrors.Error{Kind: doperrors.KindRecipeError, Topic: root.Name(), Message: reason}
			printError(err, "dop publish")
			return err
		}
	}

	stageDir, err := os.MkdirTemp("", "dop-publish-")
	if err != nil {
		return fmt.Errorf("dop: create staging dir: %w", err)
	}
	defer os.RemoveAll(stageDir)

	includes, err := root.Include()
	if err != nil {
		return fmt.Errorf("dop: include(): %w", err)
	}
	if err := copyRecipeFiles(dir.Root, stageDir, recipedir.RecipeFileName, includes); err != nil {
		return err
	}

	if err := verifyIntegrityBuild(cmd, dir, root, logger); err != nil {
		printError(err, "dop publish")
		return err
	}

	archiveName := fmt.Sprintf("%s-%s-%s.tar.xz", root.Name(), root.Version(), root.Revision())
	archivePath := filepath.Join(os.TempDir(), archiveName)
	sha256Hex, err := archive.CreateWithFormat(archivePath, stageDir, archive.FormatTarXZ)
	if err != nil {
		return fmt.Errorf("dop: create archive: %w", err)
	}
	defer os.Remove(archivePath)
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return fmt.Errorf("dop: read archive: %w", err)
	}

	cfg, err := clientConfig()
	if err != nil {
		return err
	}
	registryURL := depservices.DefaultRegistryURL
	token, err := registryToken(cfg.CredentialsFile, registryURL)
	if err != nil {
		return err
	}
	client := depservices.NewRegistryClient(token)

	created, err := client.CreateArchive(cmd.Context(), archiveName, "recipe")
	if err != nil {
		printError(err, "dop publish")
		return err
	}
	uploadedDigest, err := client.UploadArchiveBlob(cmd.Context(), created.ID, created.UploadToken, data)
	if err != nil {
		printError(err, "dop publish")
		return err
	}
	if uploadedDigest != sha256Hex {
		err := &doperrors.Error{Kind: doperrors.KindIntegrityError, Topic: root.Name(), Message: "uploaded digest does not match local archive"}
		printError(err, "dop publish")
		return err
	}

	if err := client.PublishRecipe(cmd.Context(), root.Name(), root.Version(), string(root.Revision()), created.ID, root.Description()); err != nil {
		printError(err, "dop publish")
		return err
	}

	printInfof("Published %s %s-%s\n", root.Name(), root.Version(), root.Revision())
	return nil
}

// verifyIntegrityBuild builds the recipe from scratch into a throwaway
// destination, so a broken publish is caught before it reaches the
// network.
func verifyIntegrityBuild(cmd *cobra.Command, dir recipedir.Dir, root recipe.Recipe, logger log.Logger) error {
	verifyDest, err := os.MkdirTemp("", "dop-publish-verify-")
	if err != nil {
		return fmt.Errorf("dop: create verify dir: %w", err)
	}
	defer os.RemoveAll(verifyDest)

	cfg, err := clientConfig()
	if err != nil {
		return err
	}
	p, err := namedProfile(dir, cfg.HomeDir, publishCheckProfile)
	if err != nil {
		return err
	}

	svc, err := newServices(cfg, true, logger)
	if err != nil {
		return err
	}
	host, err := hostInfo()
	if err != nil {
		return err
	}
	flagOpts, err := parseOptionFlags(publishOptions)
	if err != nil {
		return err
	}
	persisted, err := dir.LoadOptions()
	if err != nil {
		return err
	}
	opts := persisted.Merge(flagOpts)

	rcfg := resolver.Config{Host: host, BuildType: p.BuildType, Options: opts, AllowNetwork: true}
	recipeCfg := recipe.ResolveConfig{
		Host: host, BuildType: p.BuildType, Options: opts,
		AllowSystem: true, AllowCache: true, AllowNetwork: true,
	}

	graph, err := loadGraph(cmd.Context(), dir, root, svc, rcfg, recipeCfg)
	if err != nil {
		return err
	}

	orch := orchestrator.New(logger)
	_, err = orch.Run(cmd.Context(), graph, orchestrator.Config{Profile: p, Dest: verifyDest, Force: true})
	return err
}

// copyRecipeFiles copies recipeFile and each of includes, relative to
// srcRoot, into dstRoot, preserving their relative paths — the same file
// set buildid.ComputeRecipeRevision hashes, archived as the publish unit.
func copyRecipeFiles(srcRoot, dstRoot, recipeFile string, includes []string) error {
	files := append([]string{recipeFile}, includes...)
	for _, rel := range files {
		src := filepath.Join(srcRoot, rel)
		dst := filepath.Join(dstRoot, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("dop: mkdir %s: %w", filepath.Dir(dst), err)
		}
		in, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("dop: open %s: %w", src, err)
		}
		out, err := os.Create(dst)
		if err != nil {
			in.Close()
			return fmt.Errorf("dop: create %s: %w", dst, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		out.Close()
		if err != nil {
			return fmt.Errorf("dop: copy %s: %w", rel, err)
		}
	}
	return nil
}

// cvsTreeDirty reports whether the recipe directory has a version-control
// marker indicating uncommitted changes. Detection is best-effort: a
// missing VCS entirely is not treated as dirty.
func cvsTreeDirty(root string) (bool, string) {
	gitDir := filepath.Join(root, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		return false, ""
	}
	out, err := exec.Command("git", "-C", root, "status", "--porcelain").Output()
	if err != nil {
		return false, ""
	}
	if len(out) > 0 {
		return true, "recipe tree has uncommitted changes (use --skip-cvs-clean to publish anyway)"
	}
	return false, ""
}
