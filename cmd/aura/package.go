package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aurafw/aura/pkg/plugin"
	"github.com/aurafw/aura/pkg/types"
	"github.com/spf13/cobra"
)

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Build distributable plugin packages",
}

var packageBuildCmd = &cobra.Command{
	Use:   "build <plugin_id>",
	Short: "Archive a plugin directory into dist/",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		def, err := findPlugin(args[0], cfg.PlansDir, cfg.PackagesDir)
		if err != nil {
			return err
		}

		outDir, _ := cmd.Flags().GetString("out")
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		version := def.Version
		if version == "" {
			version = "0.0.0"
		}
		outPath := filepath.Join(outDir,
			fmt.Sprintf("%s_%s_%s.tar.gz", def.Author, def.Name, version))

		if err := archiveDir(def.Path, outPath); err != nil {
			return err
		}
		fmt.Printf("Built %s -> %s\n", def.CanonicalID(), outPath)
		return nil
	},
}

func init() {
	packageBuildCmd.Flags().String("out", "dist", "Output directory")
	packageCmd.AddCommand(packageBuildCmd)
}

// findPlugin locates a plugin by canonical id under the two roots
func findPlugin(id string, roots ...string) (*plugin.Definition, error) {
	for _, root := range roots {
		if root == "" {
			continue
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			manifestPath := filepath.Join(dir, plugin.ManifestFile)
			if _, err := os.Stat(manifestPath); err != nil {
				continue
			}
			m, err := plugin.ParseManifest(manifestPath)
			if err != nil {
				continue
			}
			def := &plugin.Definition{Manifest: *m, Path: dir}
			if def.CanonicalID() == id {
				return def, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: plugin %q not found", types.ErrValidation, id)
}

// archiveDir writes a gzipped tarball of one plugin directory
func archiveDir(dir, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	base := filepath.Base(dir)
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(base, rel))
		if strings.HasPrefix(filepath.Base(path), ".") && rel != "." {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = name
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}
