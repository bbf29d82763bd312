package in_toto

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// LinkIndex maps a step or inspection name to the (possibly synthetic) link
// produced for it, used to resolve MATCH ... FROM <step_name> rules. It is
// a flat lookup table, not a graph -- nothing walks from one link to
// another.
type LinkIndex map[string]*Link

/*
VerifyCreateRule implements the CREATE rule: every artifact in queue
matching pattern is claimed to have been created here. It fails if no
artifact matches (a CREATE rule is a positive claim that must consume at
least one artifact), and otherwise returns the queue with the matched
paths removed.
*/
func VerifyCreateRule(rule Rule, queue Set) (Set, error) {
	hits, err := queue.Filter(rule.Pattern)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, ruleFailure("create", "pattern %q matched no artifacts in %v", rule.Pattern, queue.SortedSlice())
	}
	return queue.Difference(hits), nil
}

/*
VerifyDeleteRule implements the DELETE rule: no artifact in queue may
match pattern (it is claimed to have been deleted). It never mutates the
queue -- DELETE makes a negative claim, it doesn't consume anything.
*/
func VerifyDeleteRule(rule Rule, queue Set) error {
	hits, err := queue.Filter(rule.Pattern)
	if err != nil {
		return err
	}
	if len(hits) != 0 {
		return ruleFailure("delete", "pattern %q matched artifacts still present: %v", rule.Pattern, hits.SortedSlice())
	}
	return nil
}

/*
VerifyModifyRule implements the MODIFY rule. It is kept an explicit
variant rather than a silent alias for CREATE: structurally it consumes
queue entries the same way CREATE does (same failure condition, same
cardinality requirement), but it additionally asserts that every consumed
path that is present in the reference artifact set has a *different*
digest there -- i.e. it documents "this artifact changed here", whereas
CREATE documents "this artifact is new here". Consumed paths absent from
the reference set are not checked further. See DESIGN.md for the decision
record.
*/
func VerifyModifyRule(rule Rule, queue Set, artifacts ArtifactSet, reference ArtifactSet) (Set, error) {
	hits, err := queue.Filter(rule.Pattern)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, ruleFailure("modify", "pattern %q matched no artifacts in %v", rule.Pattern, queue.SortedSlice())
	}
	for _, p := range hits.SortedSlice() {
		refDigest, ok := reference[p]
		if !ok {
			continue // no prior record to compare against; treat as a plain create-like modification
		}
		if artifacts[p].Equal(refDigest) {
			return nil, ruleFailure("modify", "artifact %q was claimed modified but digest is unchanged", p)
		}
	}
	return queue.Difference(hits), nil
}

// renameViaWildcard applies the single-wildcard substitution pattern ->
// dstPattern to path, implementing the "AS" rule form. pattern and
// dstPattern must each contain at most one '*'.
func renameViaWildcard(pattern, dstPattern, path string) (string, error) {
	if strings.Count(pattern, "*") > 1 || strings.Count(dstPattern, "*") > 1 {
		return "", errors.Wrap(ErrRuleSyntax, "AS rename only supports a single wildcard in each pattern")
	}

	star := strings.Index(pattern, "*")
	if star == -1 {
		if dstPattern != pattern && strings.Contains(dstPattern, "*") {
			return "", errors.Wrapf(ErrRuleSyntax, "AS destination pattern %q has a wildcard but source pattern %q does not", dstPattern, pattern)
		}
		return dstPattern, nil
	}

	prefix, suffix := pattern[:star], pattern[star+1:]
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) || len(path) < len(prefix)+len(suffix) {
		return "", errors.Wrapf(ErrRuleSyntax, "path %q does not match pattern %q for AS renaming", path, pattern)
	}
	wildcardValue := path[len(prefix) : len(path)-len(suffix)]

	dstStar := strings.Index(dstPattern, "*")
	if dstStar == -1 {
		return dstPattern, nil
	}
	return dstPattern[:dstStar] + wildcardValue + dstPattern[dstStar+1:], nil
}

/*
VerifyMatchRule implements the MATCH rule (both the plain and the AS
renamed form). Given the current queue, the artifact set under evaluation
(the side the rule is declared on), and the link index, it looks up
rule.FromStep's materials or products (per rule.SourceType) as the target
set, requires |src_hits| == |tgt_hits|, requires every matched source path
maps onto a present target path with an equal digest set on their common
hash algorithms, and on success removes the matched source paths from the
queue.
*/
func VerifyMatchRule(rule Rule, queue Set, artifacts ArtifactSet, links LinkIndex) (Set, error) {
	link, ok := links[rule.FromStep]
	if !ok {
		return nil, ruleFailure("match", "no link found for step %q", rule.FromStep)
	}

	var target ArtifactSet
	if rule.SourceType == SourceMaterial {
		target = link.Materials
	} else {
		target = link.Products
	}

	dstPattern := rule.DstPattern
	if dstPattern == "" {
		dstPattern = rule.Pattern
	}

	srcHits, err := queue.Filter(rule.Pattern)
	if err != nil {
		return nil, err
	}

	targetPaths := make(Set)
	for p := range target {
		targetPaths.Add(p)
	}
	tgtHits, err := targetPaths.Filter(dstPattern)
	if err != nil {
		return nil, err
	}

	if len(srcHits) != len(tgtHits) {
		return nil, ruleFailure("match: cardinality", "pattern %q matched %d artifacts in queue but %d in step %q", rule.Pattern, len(srcHits), len(tgtHits), rule.FromStep)
	}

	for _, s := range srcHits.SortedSlice() {
		targetPath, err := renameViaWildcard(rule.Pattern, dstPattern, s)
		if err != nil {
			return nil, err
		}

		targetDigest, ok := target[targetPath]
		if !ok {
			return nil, ruleFailure("match", "artifact %q has no corresponding artifact %q in step %q", s, targetPath, rule.FromStep)
		}
		if !artifacts[s].Equal(targetDigest) {
			return nil, ruleFailure("match", "artifact %q digest does not match %q in step %q", s, targetPath, rule.FromStep)
		}
	}

	return queue.Difference(srcHits), nil
}

/*
VerifyItemRules evaluates an ordered rule list against one side (materials
or products) of one step/inspection's artifact set, using links to
resolve MATCH rules. Rules are applied strictly in declaration order; each
rule mutates only the local queue. After every rule runs, a non-empty
queue is ErrUnmatchedArtifacts.
*/
func VerifyItemRules(itemName string, rules []Rule, artifacts ArtifactSet, links LinkIndex) error {
	queue := make(Set, len(artifacts))
	for p := range artifacts {
		queue.Add(p)
	}

	for _, rule := range rules {
		var err error
		switch rule.Kind {
		case RuleCreate:
			queue, err = VerifyCreateRule(rule, queue)
		case RuleDelete:
			err = VerifyDeleteRule(rule, queue)
		case RuleModify:
			queue, err = VerifyModifyRule(rule, queue, artifacts, matchTargetForModify(rule, links))
		case RuleMatch:
			queue, err = VerifyMatchRule(rule, queue, artifacts, links)
		default:
			err = errors.Wrapf(ErrRuleSyntax, "unhandled rule kind %q", rule.Kind)
		}
		if err != nil {
			return errors.Wrapf(err, "in item %q, rule %v", itemName, rule.Raw)
		}
	}

	if len(queue) != 0 {
		return errors.Wrapf(ErrUnmatchedArtifacts, "in item %q: %v", itemName, queue.SortedSlice())
	}
	return nil
}

// matchTargetForModify gives MODIFY something to compare digests against:
// the union of the materials and products of every link in the index, since
// MODIFY's grammar carries no FROM step of its own. The side under
// evaluation is not distinguished.
func matchTargetForModify(rule Rule, links LinkIndex) ArtifactSet {
	union := make(ArtifactSet)
	for _, link := range links {
		for p, d := range link.Materials {
			union[p] = d
		}
		for p, d := range link.Products {
			union[p] = d
		}
	}
	return union
}

// evaluatedItem pairs a named step/inspection's rules with the artifact
// sets to check them against, used by VerifyAllItemRules.
type evaluatedItem struct {
	name          string
	materialRules []Rule
	productRules  []Rule
	materials     ArtifactSet
	products      ArtifactSet
}

/*
VerifyAllItemRules runs VerifyItemRules for both materials and products of
every step and inspection named in items, against the artifact sets each
item carries, using the full linksIndex to resolve MATCH rules. It
returns a *multierror.Error aggregating every item's failure rather than
stopping at the first, so concurrent callers don't drop failures that
race with each other -- sequential callers can just check the returned
error for nil/non-nil.
*/
func VerifyAllItemRules(items []evaluatedItem, linksIndex LinkIndex) error {
	var result *multierror.Error
	for _, item := range items {
		if err := VerifyItemRules(item.name+" materials", item.materialRules, item.materials, linksIndex); err != nil {
			result = multierror.Append(result, err)
		}
		if err := VerifyItemRules(item.name+" products", item.productRules, item.products, linksIndex); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

/*
VerifyCommandAlignment compares command (the command actually recorded in
a link) with expectedCommand (declared on the step) element-wise. It never
fails verification -- command drift is only a warning, since tooling may
be installed at different absolute paths on different hosts. It returns a
human-readable warning message, or "" if the commands align (or
expectedCommand is empty, i.e. unconstrained).
*/
func VerifyCommandAlignment(command, expectedCommand []string) string {
	if len(expectedCommand) == 0 {
		return ""
	}
	if cmp.Equal(command, expectedCommand) {
		return ""
	}
	return fmt.Sprintf("run command %v differs from expected command %v", command, expectedCommand)
}
