package in_toto

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// VerifyOptions carries the ambient wiring for Verify: the working
// directory inspections run in, the clock used for expiry checks (injecting
// it as a parameter makes expiry tests trivial), the logger warnings are
// written to, and whether independent steps may be checked concurrently.
type VerifyOptions struct {
	WorkDir  string
	Clock    func() time.Time
	Logger   *zap.Logger
	Parallel bool
}

func (o VerifyOptions) withDefaults() VerifyOptions {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.WorkDir == "" {
		o.WorkDir = "."
	}
	return o
}

// Result is the outcome of Verify: Pass reports the final verdict,
// Warnings collects every non-fatal CommandAlignmentWarning observed, and
// Err carries the fatal error(s), if any.
type Result struct {
	Pass     bool
	Warnings []string
	Err      error
}

// stepLinks bundles the per-step outcome of loading and authorizing link
// files: the agreed-upon link content, plus the distinct authorized
// keyids that verified it.
type stepLinks struct {
	link         Link
	verifiedKeys []string
}

/*
Verify runs the full end-to-end verification pipeline:

 1. Load layoutPath and check its signatures against layoutKeys, requiring
    layoutThreshold distinct valid signatures (fatal: ErrLayoutSignature).
 2. Check the layout has not expired per opts.Clock (fatal: ErrLayoutExpired).
 3. For each step, load and authorize its link file(s) from linkDir (fatal:
    ErrStepAuthorization).
 4. Require that every retained link for a step agrees on materials and
    products (fatal: ErrStepLinkMismatch).
 5. Compare each step's recorded command to its expected_command, emitting
    a warning (never fatal) on drift.
 6. Run every inspection in opts.WorkDir (fatal on inspection failure).
 7. Build the combined step+inspection link index.
 8. Run the rule engine over every step and inspection's materials and
    products (fatal: ErrArtifactVerification, whose message lists each
    underlying rule-verification or unmatched-artifacts failure).
 9. Return pass.
*/
func Verify(ctx context.Context, layoutPath string, layoutKeys []Key, layoutThreshold int, linkDir string, opts VerifyOptions) Result {
	opts = opts.withDefaults()

	var layoutMb Metablock
	if err := layoutMb.Load(layoutPath); err != nil {
		return Result{Err: errors.Wrap(err, "loading layout")}
	}

	layout, ok := layoutMb.Signed.(Layout)
	if !ok {
		return Result{Err: errors.Wrap(ErrFormatError, "layout file does not contain a layout")}
	}

	if _, err := layoutMb.VerifyThreshold(layoutKeys, layoutThreshold); err != nil {
		return Result{Err: errors.Wrap(ErrLayoutSignature, err.Error())}
	}

	if err := layout.Validate(); err != nil {
		return Result{Err: err}
	}

	expires, err := layout.ExpiresTime()
	if err != nil {
		return Result{Err: err}
	}
	if !opts.Clock().Before(expires) {
		return Result{Err: errors.Wrapf(ErrLayoutExpired, "layout expired at %s", expires)}
	}

	stepResults, warnings, err := loadAndAuthorizeSteps(layout, linkDir, opts)
	if err != nil {
		return Result{Err: err, Warnings: warnings}
	}

	linksIndex := make(LinkIndex, len(layout.Steps)+len(layout.Inspect))
	for name, sr := range stepResults {
		l := sr.link
		linksIndex[name] = &l
	}

	inspectionLinks, err := runInspections(ctx, layout, opts)
	if err != nil {
		return Result{Err: err, Warnings: warnings}
	}
	for name, link := range inspectionLinks {
		linksIndex[name] = link
	}

	items := make([]evaluatedItem, 0, len(layout.Steps)+len(layout.Inspect))
	for _, step := range layout.Steps {
		sr := stepResults[step.Name]
		items = append(items, evaluatedItem{
			name:          step.Name,
			materialRules: step.MaterialMatchRules,
			productRules:  step.ProductMatchRules,
			materials:     sr.link.Materials,
			products:      sr.link.Products,
		})
	}
	for _, insp := range layout.Inspect {
		link := inspectionLinks[insp.Name]
		items = append(items, evaluatedItem{
			name:          insp.Name,
			materialRules: insp.MaterialMatchRules,
			productRules:  insp.ProductMatchRules,
			materials:     link.Materials,
			products:      link.Products,
		})
	}

	if err := verifyRules(items, linksIndex, opts.Parallel); err != nil {
		return Result{Err: errors.Wrap(ErrArtifactVerification, err.Error()), Warnings: warnings}
	}

	return Result{Pass: true, Warnings: warnings}
}

// loadAndAuthorizeSteps performs steps 3-5 of the pipeline: load each
// step's link file(s), verify signatures against the step's authorized
// keys, enforce the threshold, require cross-signer agreement, and
// collect command-alignment warnings.
func loadAndAuthorizeSteps(layout Layout, linkDir string, opts VerifyOptions) (map[string]stepLinks, []string, error) {
	results := make(map[string]stepLinks, len(layout.Steps))
	var warnings []string
	var mu sync.Mutex

	verifyOne := func(step Step) error {
		authorizedKeys := make([]Key, 0, len(step.PubKeys))
		for _, kid := range step.PubKeys {
			authorizedKeys = append(authorizedKeys, layout.Keys[kid])
		}

		metablocks, err := loadLinkFiles(linkDir, step.Name)
		if err != nil {
			return errors.Wrapf(ErrStepAuthorization, "step %q: %s", step.Name, err)
		}

		var candidates []Metablock
		verifiedKeySet := make(map[string]bool)
		for _, mb := range metablocks {
			link, ok := mb.Signed.(Link)
			if !ok || link.Name != step.Name {
				continue
			}
			ids, err := mb.VerifyThreshold(authorizedKeys, 1)
			if err != nil {
				continue
			}
			for _, id := range ids {
				verifiedKeySet[id] = true
			}
			candidates = append(candidates, mb)
		}

		verifiedKeys := make([]string, 0, len(verifiedKeySet))
		for id := range verifiedKeySet {
			verifiedKeys = append(verifiedKeys, id)
		}
		sort.Strings(verifiedKeys)

		if len(verifiedKeys) < step.Threshold {
			return errors.Wrapf(ErrStepAuthorization, "step %q: got %d of %d required valid signatures", step.Name, len(verifiedKeys), step.Threshold)
		}

		var agreed Link
		for i, mb := range candidates {
			link := mb.Signed.(Link)
			if i == 0 {
				agreed = link
				continue
			}
			if !cmp.Equal(agreed.Materials, link.Materials, cmpopts.EquateEmpty()) ||
				!cmp.Equal(agreed.Products, link.Products, cmpopts.EquateEmpty()) {
				return errors.Wrapf(ErrStepLinkMismatch, "step %q: signers disagree on materials/products", step.Name)
			}
		}

		if warning := VerifyCommandAlignment(agreed.Command, step.ExpectedCommand); warning != "" {
			mu.Lock()
			warnings = append(warnings, warning)
			opts.Logger.Warn(warning, zap.String("step", step.Name))
			mu.Unlock()
		}

		mu.Lock()
		results[step.Name] = stepLinks{link: agreed, verifiedKeys: verifiedKeys}
		mu.Unlock()
		return nil
	}

	if !opts.Parallel {
		for _, step := range layout.Steps {
			if err := verifyOne(step); err != nil {
				return nil, warnings, err
			}
		}
		return results, warnings, nil
	}

	var failures *multierror.Error
	g := new(errgroup.Group)
	for _, step := range layout.Steps {
		step := step
		g.Go(func() error {
			if err := verifyOne(step); err != nil {
				mu.Lock()
				failures = multierror.Append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := failures.ErrorOrNil(); err != nil {
		return nil, warnings, err
	}
	return results, warnings, nil
}

// loadLinkFiles loads every link file on disk for stepName, accepting
// both the unsigned-demo "<name>.link" form and the multi-signer
// "<name>.<keyid prefix>.link" form.
func loadLinkFiles(linkDir, stepName string) ([]Metablock, error) {
	entries, err := os.ReadDir(linkDir)
	if err != nil {
		return nil, err
	}

	var blocks []Metablock
	prefix := stepName + "."
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".link") {
			continue
		}
		if name != stepName+".link" && !strings.HasPrefix(name, prefix) {
			continue
		}

		var mb Metablock
		if err := mb.Load(filepath.Join(linkDir, name)); err != nil {
			return nil, err
		}
		blocks = append(blocks, mb)
	}
	return blocks, nil
}

// runInspections executes every inspection in the layout's working
// directory, serially with respect to each other: inspections observe
// shared filesystem state and must not interleave.
func runInspections(ctx context.Context, layout Layout, opts VerifyOptions) (LinkIndex, error) {
	links := make(LinkIndex, len(layout.Inspect))
	for _, insp := range layout.Inspect {
		link, err := RunInspection(ctx, insp.Name, opts.WorkDir, insp.Run)
		if err != nil {
			return nil, errors.Wrapf(err, "inspection %q", insp.Name)
		}
		links[insp.Name] = link
	}
	return links, nil
}

// verifyRules runs the rule engine over every item, either sequentially or
// with per-item concurrency per opts.Parallel, aggregating every item's
// failure via multierror rather than stopping at the first.
func verifyRules(items []evaluatedItem, linksIndex LinkIndex, parallel bool) error {
	if !parallel {
		return VerifyAllItemRules(items, linksIndex)
	}

	var mu sync.Mutex
	var result *multierror.Error
	g := new(errgroup.Group)
	for _, item := range items {
		item := item
		g.Go(func() error {
			err := VerifyAllItemRules([]evaluatedItem{item}, linksIndex)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}
