package gacha

import (
	"errors"
	"fmt"
	"strings"
)

// Rarity is the ordered outcome tier of a draw. The zero value sorts below Common
// and marks "nothing unlocked yet".
type Rarity uint8

const (
	RarityNone Rarity = iota
	Common
	Uncommon
	Rare
	Epic
	Mythic
)

var ErrUnknownRarity = errors.New("unknown rarity")

var rarityNames = [...]string{
	RarityNone: "",
	Common:     "Common",
	Uncommon:   "Uncommon",
	Rare:       "Rare",
	Epic:       "Epic",
	Mythic:     "Mythic",
}

// AllRarities returns every drawable tier from lowest to highest.
func AllRarities() []Rarity {
	return []Rarity{Common, Uncommon, Rare, Epic, Mythic}
}

func (r Rarity) String() string {
	if int(r) < len(rarityNames) {
		return rarityNames[r]
	}
	return fmt.Sprintf("Rarity(%d)", uint8(r))
}

// Valid reports whether r is a drawable tier.
func (r Rarity) Valid() bool { return r >= Common && r <= Mythic }

// ParseRarity accepts tier names case-insensitively.
func ParseRarity(s string) (Rarity, error) {
	s = strings.TrimSpace(s)
	for _, r := range AllRarities() {
		if strings.EqualFold(rarityNames[r], s) {
			return r, nil
		}
	}
	return RarityNone, fmt.Errorf("%w: %q", ErrUnknownRarity, s)
}

func (r Rarity) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRarity, uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Rarity) UnmarshalText(b []byte) error {
	v, err := ParseRarity(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Behavior is the fixed personality lookup for a displayed reindeer.
func (r Rarity) Behavior() string {
	switch r {
	case Mythic:
		return "glowing"
	case Epic:
		return "brave"
	case Rare:
		return "shy"
	default:
		return "normal"
	}
}

// RaritySet is the set of tiers a user has unlocked. Bit i is set when Rarity(i) is present.
type RaritySet uint8

func NewRaritySet(rs ...Rarity) RaritySet {
	var s RaritySet
	for _, r := range rs {
		s = s.With(r)
	}
	return s
}

// With returns the set grown by r. Invalid tiers are ignored.
func (s RaritySet) With(r Rarity) RaritySet {
	if !r.Valid() {
		return s
	}
	return s | 1<<r
}

func (s RaritySet) Has(r Rarity) bool { return r.Valid() && s&(1<<r) != 0 }

// Max returns the highest unlocked tier, RarityNone for an empty set.
func (s RaritySet) Max() Rarity {
	for r := Mythic; r >= Common; r-- {
		if s.Has(r) {
			return r
		}
	}
	return RarityNone
}

// Contains reports whether every tier of other is also in s.
func (s RaritySet) Contains(other RaritySet) bool { return s&other == other }

func (s RaritySet) Len() int {
	n := 0
	for _, r := range AllRarities() {
		if s.Has(r) {
			n++
		}
	}
	return n
}

// List returns tiers in ascending order.
func (s RaritySet) List() []Rarity {
	out := make([]Rarity, 0, s.Len())
	for _, r := range AllRarities() {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Names returns tier names in ascending order, the persisted representation.
func (s RaritySet) Names() []string {
	out := make([]string, 0, s.Len())
	for _, r := range s.List() {
		out = append(out, r.String())
	}
	return out
}

// ParseRaritySet rebuilds a set from persisted tier names.
func ParseRaritySet(names []string) (RaritySet, error) {
	var s RaritySet
	for _, n := range names {
		r, err := ParseRarity(n)
		if err != nil {
			return 0, err
		}
		s = s.With(r)
	}
	return s, nil
}
