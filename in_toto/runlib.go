package in_toto

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
)

/*
RecordArtifact reads and hashes the contents of the file at path using
sha256 and returns its DigestSet. Narrowed to sha256 only, since digest-set
comparison only needs algorithms that are actually produced, and sha256 is
the one every link-producing collaborator in scope uses.
*/
func RecordArtifact(path string) (DigestSet, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(contents)
	return DigestSet{"sha256": hex.EncodeToString(sum[:])}, nil
}

/*
RecordArtifacts walks the passed root directory recursively, skipping
directories themselves, following symlinks (detecting and rejecting cycles
via a Set of visited paths), and returns an ArtifactSet of every regular
file found, keyed by its path relative to root with forward slashes. Files
reached through a symlink are keyed by their resolved path relative to
root, not by the symlink's own path.
*/
func RecordArtifacts(root string) (ArtifactSet, error) {
	visited := NewSet()
	return recordArtifacts(root, root, visited)
}

func recordArtifacts(root, dir string, visited Set) (ArtifactSet, error) {
	artifacts := make(ArtifactSet)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		if info.Mode()&os.ModeSymlink == os.ModeSymlink {
			if visited.Has(path) {
				return errors.Errorf("symlink cycle detected at %q", path)
			}
			visited.Add(path)

			resolved, err := filepath.EvalSymlinks(path)
			if err != nil {
				return err
			}
			nested, err := recordArtifacts(root, resolved, visited)
			if err != nil {
				return err
			}
			for p, d := range nested {
				artifacts[p] = d
			}
			return nil
		}

		digest, err := RecordArtifact(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		artifacts[filepath.ToSlash(rel)] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

/*
RunCommand executes cmdArgs as a subprocess in workDir, capturing stdout,
stderr and the exit code into a byproducts map shaped like
in-toto-golang's RunCommand: {"return-value", "stdout", "stderr"}. If ctx
is cancelled, the subprocess is terminated.
*/
func RunCommand(ctx context.Context, workDir string, cmdArgs []string) (map[string]interface{}, error) {
	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	retVal := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			retVal = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		} else {
			return nil, runErr
		}
	}

	return map[string]interface{}{
		"return-value": retVal,
		"stdout":       stdout.String(),
		"stderr":       stderr.String(),
	}, nil
}

/*
RunInspection executes an inspection's run command in workDir and returns
a synthetic, unsigned Link: materials is the working directory's artifact
set captured before execution, products is the set captured after.
Inspections are never signed; they're trusted because the verifier runs
them itself.
*/
func RunInspection(ctx context.Context, name string, workDir string, run []string) (*Link, error) {
	before, err := RecordArtifacts(workDir)
	if err != nil {
		return nil, err
	}

	byProducts, err := RunCommand(ctx, workDir, run)
	if err != nil {
		return nil, err
	}

	after, err := RecordArtifacts(workDir)
	if err != nil {
		return nil, err
	}

	return &Link{
		Type:        "link",
		Name:        name,
		Materials:   before,
		Products:    after,
		ByProducts:  byProducts,
		Command:     run,
		Environment: map[string]interface{}{},
	}, nil
}
