package carrier

import "strings"

// Tag is a coarse mobile-carrier classification used to partition outbound
// SIM capacity. The pseudo-tags All and AllTrunk address carrier-agnostic
// capacity (shared SIM pool, SIP trunk).

type Tag string

const (
	TagMTS      Tag = "mts"
	TagKyivstar Tag = "ks"
	TagLifecell Tag = "life"
	TagUnknown  Tag = "unknown"

	TagAll      Tag = "all"
	TagAllTrunk Tag = "all_trunk"
)

// Real lists the carriers that have dedicated SIM slots, in a fixed base
// order. Dispatch shuffles a copy of this list each pass.
func Real() []Tag {
	return []Tag{TagMTS, TagKyivstar, TagLifecell}
}

var prefixes = map[Tag][]string{
	TagMTS:      {"+38066", "+38095", "+38050"},
	TagKyivstar: {"+38067", "+38068", "+38096", "+38097", "+38098"},
	TagLifecell: {"+38063", "+38073", "+38093"},
}

// Classify maps a phone number to its carrier tag by prefix.
// Total over any string; numbers outside the known prefix sets are unknown.
func Classify(number string) Tag {
	for _, tag := range Real() {
		for _, p := range prefixes[tag] {
			if strings.HasPrefix(number, p) {
				return tag
			}
		}
	}
	return TagUnknown
}
