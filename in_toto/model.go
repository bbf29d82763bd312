package in_toto

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"reflect"
	"sort"
	"time"

	"github.com/pkg/errors"
)

/*
KeyVal contains the actual values of a key, as opposed to key metadata such as
a key identifier or key type.  For RSA keys, the key value is a pair of public
and private keys in PEM format stored as strings.  For ed25519 keys the value
is a lowercase hex string.  For public keys the Private field may be an empty
string.
*/
type KeyVal struct {
	Private string `json:"private"`
	Public  string `json:"public"`
}

/*
Key represents a generic in-toto key that contains key metadata, such as an
identifier, supported hash algorithms to create the identifier, the key type
and the supported signature scheme, and the actual key value.
*/
type Key struct {
	KeyId               string   `json:"keyid"`
	KeyIdHashAlgorithms []string `json:"keyid_hash_algorithms"`
	KeyType             string   `json:"keytype"`
	KeyVal              KeyVal   `json:"keyval"`
	Scheme              string   `json:"scheme"`
}

/*
Signature represents a generic in-toto signature that contains the identifier
of the Key, which was used to create the signature and the signature data.  The
used signature scheme is found in the corresponding Key.
*/
type Signature struct {
	KeyId string `json:"keyid"`
	Sig   string `json:"sig"`
}

// DigestSet maps a hash algorithm name (e.g. "sha256") to a lowercase hex
// digest. Two digest sets are compared on the intersection of algorithms
// present on both sides; an empty intersection is a mismatch.
type DigestSet map[string]string

// Equal reports whether d and other agree on every hash algorithm they
// have in common. An empty intersection is never considered equal.
func (d DigestSet) Equal(other DigestSet) bool {
	common := 0
	for alg, digest := range d {
		otherDigest, ok := other[alg]
		if !ok {
			continue
		}
		common++
		if digest != otherDigest {
			return false
		}
	}
	return common > 0
}

// ArtifactSet maps a relative, forward-slash normalized path to its digest
// set. Paths are unique by construction (it's a map); SortedPaths gives a
// stable iteration order for reproducible error messages.
type ArtifactSet map[string]DigestSet

// SortedPaths returns the artifact paths in lexicographic order.
func (a ArtifactSet) SortedPaths() []string {
	paths := make([]string, 0, len(a))
	for p := range a {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

/*
Link represents the evidence of a supply chain step performed by a
functionary. It should be contained in a generic Metablock object, which
provides functionality for signing and signature verification, and reading
from and writing to disk.
*/
type Link struct {
	Type        string                 `json:"_type"`
	Name        string                 `json:"name"`
	Materials   ArtifactSet            `json:"materials"`
	Products    ArtifactSet            `json:"products"`
	ByProducts  map[string]interface{} `json:"byproducts"`
	Command     []string               `json:"command"`
	Environment map[string]interface{} `json:"environment"`
}

/*
LinkNameFormat represents a format string used to create the filename for a
signed Link (wrapped in a Metablock). It consists of the name of the link and
the first 8 characters of the signing key id.  LinkNameFormatShort is for
links that are not signed, e.g.:

	fmt.Sprintf(LinkNameFormat, "package",
	    "2f89b9272acfc8f4a0a0f094d789fdb0ba798b0fe41f2f5f417c12f0085ff498")
	// returns "package.2f89b927.link"

	fmt.Sprintf(LinkNameFormatShort, "unsigned")
	// returns "unsigned.link"
*/
const LinkNameFormat = "%s.%.8s.link"
const LinkNameFormatShort = "%s.link"

/*
SupplyChainItem summarizes common fields of the two available supply chain
item types, Inspection and Step.
*/
type SupplyChainItem struct {
	Name               string `json:"name"`
	MaterialMatchRules []Rule `json:"material_matchrules"`
	ProductMatchRules  []Rule `json:"product_matchrules"`
}

/*
Inspection represents an in-toto supply chain inspection, whose command in the
Run field is executed during final product verification, generating unsigned
link metadata.  Materials and products used/produced by the inspection are
constrained by the artifact rules in the inspection's MaterialMatchRules and
ProductMatchRules fields.
*/
type Inspection struct {
	Type string   `json:"_type"`
	Run  []string `json:"run"`
	SupplyChainItem
}

/*
Step represents an in-toto step of the supply chain performed by a
functionary. During final product verification in-toto looks for
corresponding Link metadata, which is used as signed evidence that the step
was performed according to the supply chain definition.  Materials and
products used/produced by the step are constrained by the artifact rules in
the step's MaterialMatchRules and ProductMatchRules fields.
*/
type Step struct {
	Type            string   `json:"_type"`
	PubKeys         []string `json:"pubkeys"`
	ExpectedCommand []string `json:"expected_command"`
	Threshold       int      `json:"threshold"`
	SupplyChainItem
}

// ISO8601DateSchema is kept for compatibility with layouts produced by
// earlier in-toto tooling; new layouts are read as plain RFC3339.
const ISO8601DateSchema = time.RFC3339

/*
Layout represents the definition of a software supply chain.  It lists the
sequence of steps required in the software supply chain and the
functionaries authorized to perform these steps.  Functionaries are
identified by their public keys.  In addition, the layout may list a
sequence of inspections that are executed during in-toto supply chain
verification.  A layout should be contained in a generic Metablock object,
which provides functionality for signing and signature verification, and
reading from and writing to disk.
*/
type Layout struct {
	Type    string         `json:"_type"`
	Steps   []Step         `json:"steps"`
	Inspect []Inspection   `json:"inspect"`
	Keys    map[string]Key `json:"keys"`
	Expires string         `json:"expires"`
}

// ExpiresTime parses Expires as an absolute UTC instant.
func (l *Layout) ExpiresTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, l.Expires)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrFormatError, "invalid expires timestamp %q: %s", l.Expires, err)
	}
	return t.UTC(), nil
}

// StepByName returns the step with the given name, if any.
func (l *Layout) StepByName(name string) (Step, bool) {
	for _, s := range l.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// InspectionByName returns the inspection with the given name, if any.
func (l *Layout) InspectionByName(name string) (Inspection, bool) {
	for _, i := range l.Inspect {
		if i.Name == name {
			return i, true
		}
	}
	return Inspection{}, false
}

// Validate checks the layout's structural invariants: the layout, step and
// inspection _type tags, a parseable expires timestamp, step thresholds of
// at least 1, every pubkey referenced by a step resolving in Keys, and
// step/inspection names being unique within the layout. Rule lists are not
// checked here; they are parsed when the layout is decoded.
func (l *Layout) Validate() error {
	if l.Type != "layout" {
		return errors.Wrapf(ErrFormatError, "invalid _type for layout: %q", l.Type)
	}
	if _, err := l.ExpiresTime(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, step := range l.Steps {
		if seen[step.Name] {
			return errors.Wrapf(ErrFormatError, "duplicate step/inspection name %q", step.Name)
		}
		seen[step.Name] = true
		if step.Type != "step" {
			return errors.Wrapf(ErrFormatError, "invalid _type for step %q: %q", step.Name, step.Type)
		}
		if step.Threshold < 1 {
			return errors.Wrapf(ErrFormatError, "step %q has threshold < 1", step.Name)
		}
		for _, keyID := range step.PubKeys {
			if _, ok := l.Keys[keyID]; !ok {
				return errors.Wrapf(ErrFormatError, "step %q references unknown keyid %q", step.Name, keyID)
			}
		}
	}
	for _, insp := range l.Inspect {
		if seen[insp.Name] {
			return errors.Wrapf(ErrFormatError, "duplicate step/inspection name %q", insp.Name)
		}
		seen[insp.Name] = true
		if insp.Type != "inspection" {
			return errors.Wrapf(ErrFormatError, "invalid _type for inspection %q: %q", insp.Name, insp.Type)
		}
	}
	return nil
}

/*
Metablock is a generic container for signable in-toto objects such as Layout
or Link.  It has two fields, one that contains the signable object and one
that contains corresponding signatures.  Metablock also provides
functionality for signing and signature verification, and reading from and
writing to disk.
*/
type Metablock struct {
	// NOTE: Whenever we want to access an attribute of `Signed` we have to
	// perform type assertion, e.g. `metablock.Signed.(Layout).Keys`.
	Signed     interface{} `json:"signed"`
	Signatures []Signature `json:"signatures"`
}

// checkRequiredJSONFields checks that the passed map (obj) has keys for
// each of the json tags in the passed struct type (typ). Embedded structs
// (e.g. SupplyChainItem) are expanded recursively.
func checkRequiredJSONFields(obj map[string]interface{}, typ reflect.Type) error {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.Anonymous {
			if err := checkRequiredJSONFields(obj, field.Type); err != nil {
				return err
			}
			continue
		}
		tag := field.Tag.Get("json")
		if tag == "" {
			continue
		}
		if _, ok := obj[tag]; !ok {
			return errors.Wrapf(ErrFormatError, "required field %q missing", tag)
		}
	}
	return nil
}

/*
Load parses JSON formatted metadata at the passed path into the Metablock
object on which it was called.  It returns an error if it cannot parse a
valid JSON formatted Metablock that contains a Link or Layout.
*/
func (mb *Metablock) Load(path string) error {
	jsonFile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer jsonFile.Close()

	jsonBytes, err := ioutil.ReadAll(jsonFile)
	if err != nil {
		return err
	}
	return mb.loadBytes(jsonBytes)
}

func (mb *Metablock) loadBytes(jsonBytes []byte) error {
	var rawMb map[string]*json.RawMessage
	if err := json.Unmarshal(jsonBytes, &rawMb); err != nil {
		return errors.Wrap(ErrFormatError, err.Error())
	}

	if rawMb["signed"] == nil || rawMb["signatures"] == nil {
		return errors.Wrap(ErrFormatError, "in-toto metadata requires 'signed' and 'signatures' parts")
	}

	if err := json.Unmarshal(*rawMb["signatures"], &mb.Signatures); err != nil {
		return errors.Wrap(ErrFormatError, err.Error())
	}

	var signed map[string]interface{}
	if err := json.Unmarshal(*rawMb["signed"], &signed); err != nil {
		return errors.Wrap(ErrFormatError, err.Error())
	}

	switch signed["_type"] {
	case "link":
		var link Link
		if err := checkRequiredJSONFields(signed, reflect.TypeOf(link)); err != nil {
			return err
		}
		if err := json.Unmarshal(*rawMb["signed"], &link); err != nil {
			return errors.Wrap(ErrFormatError, err.Error())
		}
		mb.Signed = link

	case "layout":
		var layout Layout
		if err := checkRequiredJSONFields(signed, reflect.TypeOf(layout)); err != nil {
			return err
		}
		if err := json.Unmarshal(*rawMb["signed"], &layout); err != nil {
			return errors.Wrap(ErrFormatError, err.Error())
		}
		mb.Signed = layout

	default:
		return errors.Wrapf(ErrFormatError, "the '_type' field of the 'signed' part of in-toto metadata must be one of 'link' or 'layout', got %v", signed["_type"])
	}

	return nil
}

/*
Dump JSON serializes and writes the Metablock on which it was called to the
passed path.  It returns an error if JSON serialization or writing fails.
*/
func (mb *Metablock) Dump(path string) error {
	jsonBytes, err := json.MarshalIndent(mb, "", "  ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, jsonBytes, 0644)
}

/*
GetSignableRepresentation returns the canonical JSON representation of the
Signed field of the Metablock on which it was called.
*/
func (mb *Metablock) GetSignableRepresentation() ([]byte, error) {
	return EncodeCanonical(mb.Signed)
}

/*
Sign creates a signature over the signed portion of the metablock using the
Key object provided, and appends it to Signatures.
*/
func (mb *Metablock) Sign(key Key) error {
	dataCanonical, err := mb.GetSignableRepresentation()
	if err != nil {
		return err
	}

	sig, err := CreateSignature(dataCanonical, key)
	if err != nil {
		return err
	}

	mb.Signatures = append(mb.Signatures, sig)
	return nil
}

/*
VerifySignature verifies the first signature, corresponding to the passed
Key, found in the Signatures field of the Metablock on which it was
called. It returns ErrBadSignature if no matching signature is found or the
signature does not verify.
*/
func (mb *Metablock) VerifySignature(key Key) error {
	var sig Signature
	found := false
	for _, s := range mb.Signatures {
		if s.KeyId == key.KeyId {
			sig = s
			found = true
			break
		}
	}
	if !found {
		return errors.Wrapf(ErrBadSignature, "no signature found for key '%s'", key.KeyId)
	}

	dataCanonical, err := mb.GetSignableRepresentation()
	if err != nil {
		return err
	}

	return CheckSignature(key, sig, dataCanonical)
}

// VerifyThreshold checks that at least threshold distinct keyids, drawn
// from authorized, each produced a valid signature over mb's signable
// representation. It returns the set of distinct verified keyids.
func (mb *Metablock) VerifyThreshold(authorized []Key, threshold int) ([]string, error) {
	dataCanonical, err := mb.GetSignableRepresentation()
	if err != nil {
		return nil, err
	}

	verified := make(map[string]bool)
	bySig := make(map[string]Signature, len(mb.Signatures))
	for _, s := range mb.Signatures {
		bySig[s.KeyId] = s
	}

	for _, key := range authorized {
		sig, ok := bySig[key.KeyId]
		if !ok {
			continue
		}
		if err := CheckSignature(key, sig, dataCanonical); err == nil {
			verified[key.KeyId] = true
		}
	}

	ids := make([]string, 0, len(verified))
	for id := range verified {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if len(ids) < threshold {
		return ids, errors.Wrapf(ErrBadSignature, "got %d of %d required distinct valid signatures", len(ids), threshold)
	}
	return ids, nil
}
