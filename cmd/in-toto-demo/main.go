// Command in-toto-demo builds, signs, and verifies a small two-step
// software supply chain end to end, the same "write-code | package"
// example used throughout in-toto's own documentation: a functionary
// writes a source file, a second functionary packages it into a tarball,
// and an inspection untars the result to confirm the packaged file
// matches what was written.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/D-Pow/in-toto/in_toto"
	"github.com/D-Pow/in-toto/internal/keygen"
	"github.com/D-Pow/in-toto/internal/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "in-toto-demo:", err)
		os.Exit(1)
	}
}

func run() error {
	root, err := os.MkdirTemp("", "in-toto-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(root)

	// artifactsDir holds only the supply chain's own files (foo.py,
	// foo.tar.gz); metaDir holds the layout and link metadata, kept
	// separate so recording artifacts never picks up its own evidence.
	artifactsDir := filepath.Join(root, "artifacts")
	metaDir := filepath.Join(root, "metadata")
	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return err
	}

	ownerKey, err := keygen.GenerateEd25519Key()
	if err != nil {
		return err
	}
	writeCodeKey, err := keygen.GenerateEd25519Key()
	if err != nil {
		return err
	}
	packageKey, err := keygen.GenerateEd25519Key()
	if err != nil {
		return err
	}

	layout := buildLayout(ownerKey, writeCodeKey, packageKey)

	var layoutMb in_toto.Metablock
	layoutMb.Signed = layout
	if err := layoutMb.Sign(ownerKey); err != nil {
		return err
	}
	layoutPath := filepath.Join(metaDir, "root.layout")
	if err := layoutMb.Dump(layoutPath); err != nil {
		return err
	}

	ctx := context.Background()
	if err := runStep(ctx, artifactsDir, metaDir, "write-code", []string{"sh", "-c", "echo 'print(1)' > foo.py"}, writeCodeKey); err != nil {
		return err
	}
	if err := runStep(ctx, artifactsDir, metaDir, "package", []string{"tar", "czf", "foo.tar.gz", "foo.py"}, packageKey); err != nil {
		return err
	}

	logger, err := log.New("info")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	result := in_toto.Verify(ctx, layoutPath, []in_toto.Key{keygen.PublicOnly(ownerKey)}, 1, metaDir, in_toto.VerifyOptions{
		WorkDir: artifactsDir,
		Logger:  logger,
	})

	for _, w := range result.Warnings {
		fmt.Println("warning:", w)
	}
	if !result.Pass {
		return result.Err
	}

	fmt.Println("PASS: write-code -> package supply chain verified")
	return nil
}

func buildLayout(ownerKey, writeCodeKey, packageKey in_toto.Key) in_toto.Layout {
	writeCodePub := keygen.PublicOnly(writeCodeKey)
	packagePub := keygen.PublicOnly(packageKey)

	return in_toto.Layout{
		Type:    "layout",
		Expires: time.Now().Add(6 * time.Hour).UTC().Format(time.RFC3339),
		Keys: map[string]in_toto.Key{
			writeCodePub.KeyId: writeCodePub,
			packagePub.KeyId:   packagePub,
		},
		Steps: []in_toto.Step{
			{
				Type:      "step",
				PubKeys:   []string{writeCodePub.KeyId},
				Threshold: 1,
				SupplyChainItem: in_toto.SupplyChainItem{
					Name:              "write-code",
					ProductMatchRules: mustRules([][]string{{"CREATE", "foo.py"}}),
				},
			},
			{
				Type:      "step",
				PubKeys:   []string{packagePub.KeyId},
				Threshold: 1,
				SupplyChainItem: in_toto.SupplyChainItem{
					Name: "package",
					MaterialMatchRules: mustRules([][]string{
						{"MATCH", "PRODUCT", "foo.py", "FROM", "write-code"},
					}),
					ProductMatchRules: mustRules([][]string{
						{"CREATE", "foo.tar.gz"},
						{"MATCH", "PRODUCT", "foo.py", "FROM", "write-code"},
					}),
				},
			},
		},
		Inspect: []in_toto.Inspection{
			{
				Type: "inspection",
				Run:  []string{"tar", "xzf", "foo.tar.gz"},
				SupplyChainItem: in_toto.SupplyChainItem{
					Name: "untar",
					MaterialMatchRules: mustRules([][]string{
						{"MATCH", "PRODUCT", "foo.tar.gz", "FROM", "package"},
						{"MATCH", "PRODUCT", "foo.py", "FROM", "write-code"},
					}),
					ProductMatchRules: mustRules([][]string{
						{"MATCH", "PRODUCT", "foo.py", "FROM", "write-code"},
						{"MATCH", "PRODUCT", "foo.tar.gz", "FROM", "package"},
					}),
				},
			},
		},
	}
}

// runStep executes cmdArgs in artifactsDir, records materials/products
// around it, and writes a signed link file into metaDir -- the
// functionary's half of the demo.
func runStep(ctx context.Context, artifactsDir, metaDir, name string, cmdArgs []string, key in_toto.Key) error {
	before, err := in_toto.RecordArtifacts(artifactsDir)
	if err != nil {
		return err
	}
	byProducts, err := in_toto.RunCommand(ctx, artifactsDir, cmdArgs)
	if err != nil {
		return err
	}
	after, err := in_toto.RecordArtifacts(artifactsDir)
	if err != nil {
		return err
	}

	link := in_toto.Link{
		Type:        "link",
		Name:        name,
		Materials:   before,
		Products:    after,
		ByProducts:  byProducts,
		Command:     cmdArgs,
		Environment: map[string]interface{}{},
	}

	var mb in_toto.Metablock
	mb.Signed = link
	if err := mb.Sign(key); err != nil {
		return err
	}
	return mb.Dump(filepath.Join(metaDir, fmt.Sprintf(in_toto.LinkNameFormat, name, key.KeyId)))
}

func mustRules(tuples [][]string) []in_toto.Rule {
	rules, err := in_toto.UnpackRules(tuples)
	if err != nil {
		panic(err)
	}
	return rules
}
