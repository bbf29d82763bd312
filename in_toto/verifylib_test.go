package in_toto

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRule(t *testing.T, tuple ...string) Rule {
	t.Helper()
	rule, err := UnpackRule(tuple)
	require.NoError(t, err)
	return rule
}

func TestVerifyCreateRule(t *testing.T) {
	queue := NewSet("foo", "bar")
	rule := mustRule(t, "CREATE", "foo")

	remaining, err := VerifyCreateRule(rule, queue)
	require.NoError(t, err)
	assert.False(t, remaining.Has("foo"))
	assert.True(t, remaining.Has("bar"))
}

func TestVerifyCreateRuleNoMatchFails(t *testing.T) {
	queue := NewSet("bar")
	rule := mustRule(t, "CREATE", "foo")

	_, err := VerifyCreateRule(rule, queue)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRuleVerificationFailed)
}

func TestVerifyCreateRuleStarOnEmptyQueueFails(t *testing.T) {
	_, err := VerifyCreateRule(mustRule(t, "CREATE", "*"), NewSet())
	require.Error(t, err)
}

func TestVerifyDeleteRule(t *testing.T) {
	queue := NewSet("bar")
	err := VerifyDeleteRule(mustRule(t, "DELETE", "foo"), queue)
	require.NoError(t, err)
	assert.True(t, queue.Has("bar"), "DELETE must never mutate the queue")
}

func TestVerifyDeleteRuleStillPresentFails(t *testing.T) {
	queue := NewSet("foo")
	err := VerifyDeleteRule(mustRule(t, "DELETE", "foo"), queue)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRuleVerificationFailed)
}

func TestVerifyDeleteRuleStarOnEmptyQueuePasses(t *testing.T) {
	err := VerifyDeleteRule(mustRule(t, "DELETE", "*"), NewSet())
	require.NoError(t, err)
}

func TestVerifyMatchRule(t *testing.T) {
	queue := NewSet("foo")
	artifacts := ArtifactSet{"foo": DigestSet{"sha256": "abc"}}
	links := LinkIndex{
		"write-code": {
			Name:     "write-code",
			Products: ArtifactSet{"foo": DigestSet{"sha256": "abc"}},
		},
	}

	remaining, err := VerifyMatchRule(mustRule(t, "MATCH", "PRODUCT", "foo", "FROM", "write-code"), queue, artifacts, links)
	require.NoError(t, err)
	assert.False(t, remaining.Has("foo"))
}

func TestVerifyMatchRuleDigestMismatchFails(t *testing.T) {
	queue := NewSet("foo")
	artifacts := ArtifactSet{"foo": DigestSet{"sha256": "abc"}}
	links := LinkIndex{
		"write-code": {Products: ArtifactSet{"foo": DigestSet{"sha256": "different"}}},
	}

	_, err := VerifyMatchRule(mustRule(t, "MATCH", "PRODUCT", "foo", "FROM", "write-code"), queue, artifacts, links)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRuleVerificationFailed)
}

func TestVerifyMatchRuleCardinalityMismatchFails(t *testing.T) {
	queue := NewSet("foo", "foo2")
	artifacts := ArtifactSet{
		"foo":  DigestSet{"sha256": "abc"},
		"foo2": DigestSet{"sha256": "abc2"},
	}
	links := LinkIndex{
		"write-code": {Products: ArtifactSet{"foo": DigestSet{"sha256": "abc"}}},
	}

	_, err := VerifyMatchRule(mustRule(t, "MATCH", "PRODUCT", "foo*", "FROM", "write-code"), queue, artifacts, links)
	require.Error(t, err)
}

func TestVerifyMatchRuleUnknownStepFails(t *testing.T) {
	_, err := VerifyMatchRule(mustRule(t, "MATCH", "PRODUCT", "foo", "FROM", "ghost"), NewSet("foo"), ArtifactSet{}, LinkIndex{})
	require.Error(t, err)
}

func TestVerifyMatchRuleWithAsRename(t *testing.T) {
	queue := NewSet("src/foo.py")
	artifacts := ArtifactSet{"src/foo.py": DigestSet{"sha256": "abc"}}
	links := LinkIndex{
		"package": {Products: ArtifactSet{"dist/foo.py": DigestSet{"sha256": "abc"}}},
	}

	remaining, err := VerifyMatchRule(
		mustRule(t, "MATCH", "PRODUCT", "src/*", "AS", "dist/*", "FROM", "package"),
		queue, artifacts, links)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRenameViaWildcard(t *testing.T) {
	out, err := renameViaWildcard("src/*", "dist/*", "src/foo.py")
	require.NoError(t, err)
	assert.Equal(t, "dist/foo.py", out)
}

func TestRenameViaWildcardNoMatch(t *testing.T) {
	_, err := renameViaWildcard("src/*", "dist/*", "other/foo.py")
	require.Error(t, err)
}

func TestVerifyModifyRuleDetectsChange(t *testing.T) {
	queue := NewSet("foo")
	artifacts := ArtifactSet{"foo": DigestSet{"sha256": "new"}}
	reference := ArtifactSet{"foo": DigestSet{"sha256": "old"}}

	remaining, err := VerifyModifyRule(mustRule(t, "MODIFY", "foo"), queue, artifacts, reference)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestVerifyModifyRuleRejectsUnchangedDigest(t *testing.T) {
	queue := NewSet("foo")
	artifacts := ArtifactSet{"foo": DigestSet{"sha256": "same"}}
	reference := ArtifactSet{"foo": DigestSet{"sha256": "same"}}

	_, err := VerifyModifyRule(mustRule(t, "MODIFY", "foo"), queue, artifacts, reference)
	require.Error(t, err)
}

func TestVerifyItemRulesCreateThenMatchConflict(t *testing.T) {
	artifacts := ArtifactSet{"foo": DigestSet{"sha256": "abc"}}
	links := LinkIndex{"L": {Products: ArtifactSet{"foo": DigestSet{"sha256": "abc"}}}}
	rules := []Rule{
		mustRule(t, "CREATE", "foo"),
		mustRule(t, "MATCH", "PRODUCT", "foo", "FROM", "L"),
	}

	err := VerifyItemRules("item", rules, artifacts, links)
	require.Error(t, err)
}

func TestVerifyItemRulesUnmatchedArtifactsFails(t *testing.T) {
	artifacts := ArtifactSet{"foo": DigestSet{"sha256": "abc"}, "bar": DigestSet{"sha256": "def"}}
	rules := []Rule{mustRule(t, "CREATE", "foo")}

	err := VerifyItemRules("item", rules, artifacts, LinkIndex{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnmatchedArtifacts)
}

func TestVerifyAllItemRulesAggregatesFailures(t *testing.T) {
	items := []evaluatedItem{
		{
			name:          "write-code",
			materialRules: nil,
			productRules:  []Rule{mustRule(t, "CREATE", "foo")},
			materials:     ArtifactSet{},
			products:      ArtifactSet{"foo": DigestSet{"sha256": "abc"}, "unexpected": DigestSet{"sha256": "x"}},
		},
		{
			name:          "package",
			materialRules: []Rule{mustRule(t, "CREATE", "also-unmatched")},
			productRules:  nil,
			materials:     ArtifactSet{"leftover": DigestSet{"sha256": "y"}},
			products:      ArtifactSet{},
		},
	}

	err := VerifyAllItemRules(items, LinkIndex{})
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
}

func TestVerifyAllItemRulesPasses(t *testing.T) {
	items := []evaluatedItem{
		{
			name:         "write-code",
			productRules: []Rule{mustRule(t, "CREATE", "foo")},
			materials:    ArtifactSet{},
			products:     ArtifactSet{"foo": DigestSet{"sha256": "abc"}},
		},
	}

	err := VerifyAllItemRules(items, LinkIndex{})
	require.NoError(t, err)
}

func TestVerifyCommandAlignmentMatches(t *testing.T) {
	assert.Empty(t, VerifyCommandAlignment([]string{"tar", "czf", "f.tar.gz"}, []string{"tar", "czf", "f.tar.gz"}))
}

func TestVerifyCommandAlignmentUnconstrained(t *testing.T) {
	assert.Empty(t, VerifyCommandAlignment([]string{"anything"}, nil))
}

func TestVerifyCommandAlignmentWarnsOnDrift(t *testing.T) {
	warning := VerifyCommandAlignment([]string{"/usr/bin/tar", "czf"}, []string{"tar", "czf"})
	assert.NotEmpty(t, warning)
}
