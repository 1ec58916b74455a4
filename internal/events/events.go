// Package events carries overlay emissions from the core to renderers.
// Delivery is at-least-once; consumers key on Owner.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/storage"
)

type Kind string

const (
	KindSpawn      Kind = "SPAWN"
	KindDuplicate  Kind = "DUPLICATE"
	KindDismiss    Kind = "DISMISS"
	KindUpdateWish Kind = "UPDATE_WISH"
	KindUpdateSkin Kind = "UPDATE_SKIN"
	KindCommand    Kind = "COMMAND"
)

type Direction string

const (
	ExitLeft  Direction = "left"
	ExitRight Direction = "right"
)

// Overlay-wide commands triggered by reward titles.
const (
	CommandRunLeft = "RUN_LEFT"
	CommandJumpAll = "JUMP_ALL"
)

// Event is one emission. Fields unused by a kind stay zero and are omitted on the wire.
type Event struct {
	ID                  string       `json:"id"`
	Kind                Kind         `json:"type"`
	Owner               string       `json:"owner,omitempty"`
	Rarity              gacha.Rarity `json:"rarity,omitempty"`
	Wish                string       `json:"wish,omitempty"`
	BubbleStyle         string       `json:"bubbleStyle,omitempty"`
	Behavior            string       `json:"behavior,omitempty"`
	IsRestore           bool         `json:"isRestore"`
	WasAlreadyDisplayed bool         `json:"wasAlreadyDisplayed"`
	ExitDirection       Direction    `json:"exitDirection,omitempty"`
	Command             string       `json:"command,omitempty"`
	At                  time.Time    `json:"at"`
}

// Emitter is the fire-and-forget sink the core writes to. Emit must never block.
type Emitter interface {
	Emit(Event)
}

// Observer is a single renderer connection, used for targeted initial sync.
// Send must not block; callers may hold locks around it.
type Observer interface {
	Send(Event) bool
}

// EmitterFunc adapts a func to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

func newEvent(kind Kind, owner string) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Owner: owner, At: time.Now().UTC()}
}

func Spawn(e storage.DisplayedEntity, isRestore, wasAlreadyDisplayed bool) Event {
	ev := newEvent(KindSpawn, e.Owner)
	ev.Rarity = e.Rarity
	ev.Wish = e.Wish
	ev.BubbleStyle = e.BubbleStyle
	ev.Behavior = e.Behavior
	ev.IsRestore = isRestore
	ev.WasAlreadyDisplayed = wasAlreadyDisplayed
	return ev
}

func Duplicate(owner, wish, bubbleStyle string) Event {
	ev := newEvent(KindDuplicate, owner)
	ev.Wish = wish
	ev.BubbleStyle = bubbleStyle
	return ev
}

func Dismiss(owner string, dir Direction) Event {
	ev := newEvent(KindDismiss, owner)
	ev.ExitDirection = dir
	return ev
}

func UpdateWish(e storage.DisplayedEntity) Event {
	ev := newEvent(KindUpdateWish, e.Owner)
	ev.Wish = e.Wish
	ev.BubbleStyle = e.BubbleStyle
	return ev
}

func UpdateSkin(e storage.DisplayedEntity) Event {
	ev := newEvent(KindUpdateSkin, e.Owner)
	ev.Rarity = e.Rarity
	ev.Behavior = e.Behavior
	ev.Wish = e.Wish
	ev.BubbleStyle = e.BubbleStyle
	return ev
}

func Command(name string) Event {
	ev := newEvent(KindCommand, "")
	ev.Command = name
	return ev
}
