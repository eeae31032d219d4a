// Package matcher recognises combat activity in game client log text.
package matcher

import (
	"regexp"
	"strconv"
	"strings"
)

// Category names a kind of combat interaction.
type Category string

const (
	DamageOut         Category = "damageOut"
	DamageIn          Category = "damageIn"
	ArmorRepairedOut  Category = "armorRepairedOut"
	HullRepairedOut   Category = "hullRepairedOut"
	ShieldBoostedOut  Category = "shieldBoostedOut"
	ArmorRepairedIn   Category = "armorRepairedIn"
	HullRepairedIn    Category = "hullRepairedIn"
	ShieldBoostedIn   Category = "shieldBoostedIn"
	CapTransferredOut Category = "capTransferredOut"
	CapNeutralizedOut Category = "capNeutralizedOut"
	EnergyDrainedOut  Category = "energyDrainedOut"
	CapTransferredIn  Category = "capTransferredIn"
	CapNeutralizedIn  Category = "capNeutralizedIn"
	EnergyDrainedIn   Category = "energyDrainedIn"
)

// Event is one combat interaction extracted from log text.
type Event struct {
	Amount    uint64   `json:"amount"`
	Actor     string   `json:"actor"`
	Subject   string   `json:"subject"`   // ship type
	Qualifier string   `json:"qualifier"` // weapon or module
	Category  Category `json:"category"`
}

// trailer captures the other party, their ship and the module involved.
// The empty pilot/ship/weapon groups keep the fallback chain uniform.
const trailer = `(?:.*ffffffff>(?P<default_pilot>[^\(\)<>]*)(?:\[.*\((?P<default_ship>.*)\)<|<)/b.*> \-(?: (?P<default_weapon>.*?)(?: \-|<)|.*))(?P<pilot>)(?P<ship>)(?P<weapon>)`

type rule struct {
	category Category
	re       *regexp.Regexp
}

// rules are evaluated in this order.
var rules = []rule{
	newRule(DamageOut, `\(combat\) <.*?><b>([0-9]+).*>to<`),
	newRule(DamageIn, `\(combat\) <.*?><b>([0-9]+).*>from<`),
	newRule(ArmorRepairedOut, `\(combat\) <.*?><b>([0-9]+).*> remote armor repaired to <`),
	newRule(HullRepairedOut, `\(combat\) <.*?><b>([0-9]+).*> remote hull repaired to <`),
	newRule(ShieldBoostedOut, `\(combat\) <.*?><b>([0-9]+).*> remote shield boosted to <`),
	newRule(ArmorRepairedIn, `\(combat\) <.*?><b>([0-9]+).*> remote armor repaired by <`),
	newRule(HullRepairedIn, `\(combat\) <.*?><b>([0-9]+).*> remote hull repaired by <`),
	newRule(ShieldBoostedIn, `\(combat\) <.*?><b>([0-9]+).*> remote shield boosted by <`),
	newRule(CapTransferredOut, `\(combat\) <.*?><b>([0-9]+).*> remote capacitor transmitted to <`),
	newRule(CapNeutralizedOut, `\(combat\) <.*?ff7fffff><b>([0-9]+).*> energy neutralized <`),
	newRule(EnergyDrainedOut, `\(combat\) <.*?><b>\+([0-9]+).*> energy drained from <`),
	newRule(CapTransferredIn, `\(combat\) <.*?><b>([0-9]+).*> remote capacitor transmitted by <`),
	newRule(CapNeutralizedIn, `\(combat\) <.*?ffe57f7f><b>([0-9]+).*> energy neutralized <`),
	newRule(EnergyDrainedIn, `\(combat\) <.*?><b>\-([0-9]+).*> energy drained to <`),
}

func newRule(c Category, prefix string) rule {
	return rule{category: c, re: regexp.MustCompile(prefix + trailer)}
}

// Categories returns every category in evaluation order.
func Categories() []Category {
	out := make([]Category, len(rules))
	for i, r := range rules {
		out[i] = r.category
	}
	return out
}

// Matches reports whether text contains at least one valid combat event.
// It stops at the first category that yields one.
func Matches(text string) bool {
	if text == "" {
		return false
	}
	for _, r := range rules {
		if len(r.extract(text, true)) > 0 {
			return true
		}
	}
	return false
}

// Extract returns every valid combat event in text across all categories.
func Extract(text string) []Event {
	if text == "" {
		return nil
	}
	var events []Event
	for _, r := range rules {
		events = append(events, r.extract(text, false)...)
	}
	return events
}

// extract collects the events matched by r. A match whose amount is zero or
// unparsable is not an event. With first set it returns after one event
// without scanning the rest of text.
func (r rule) extract(text string, first bool) []Event {
	var events []Event
	for pos := 0; pos < len(text); {
		loc := r.re.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		m := submatch{text: text[pos:], loc: loc}
		pos += max(loc[1], 1)

		amount, err := strconv.ParseUint(m.at(1), 10, 64)
		if err != nil || amount == 0 {
			continue
		}
		actor := firstNonEmpty(m.named(r.re, "default_pilot"), m.named(r.re, "pilot"), "?")
		events = append(events, Event{
			Amount:    amount,
			Actor:     strings.TrimSpace(actor),
			Subject:   firstNonEmpty(m.named(r.re, "ship"), m.named(r.re, "default_ship"), actor),
			Qualifier: firstNonEmpty(m.named(r.re, "default_weapon"), m.named(r.re, "weapon"), "Unknown"),
			Category:  r.category,
		})
		if first {
			return events
		}
	}
	return events
}

// submatch resolves capture groups from a FindStringSubmatchIndex result.
type submatch struct {
	text string
	loc  []int
}

func (m submatch) at(i int) string {
	if i < 0 || 2*i+1 >= len(m.loc) || m.loc[2*i] < 0 {
		return ""
	}
	return m.text[m.loc[2*i]:m.loc[2*i+1]]
}

func (m submatch) named(re *regexp.Regexp, name string) string {
	return m.at(re.SubexpIndex(name))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
