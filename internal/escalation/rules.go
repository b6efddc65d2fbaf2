package escalation

import (
	"fmt"

	"github.com/kalambet/scene/internal/activity"
)

// Rule fires a notification when its condition holds for an observation.
// Guarded rules fire at most once per venue for the life of a State.
// Counted rules read Observation.Count; the others ignore it.
type Rule struct {
	ID      string
	Stream  activity.Stream
	Guarded bool
	Counted bool
	Match   func(Observation) bool
	Title   func(Observation) string
	Body    func(Observation) string
}

func countIs(n int) func(Observation) bool {
	return func(o Observation) bool { return o.Count == n }
}

func countAtLeast(n int) func(Observation) bool {
	return func(o Observation) bool { return o.Count >= n }
}

func text(format string) func(Observation) string {
	return func(o Observation) string { return fmt.Sprintf(format, o.VenueName) }
}

func static(s string) func(Observation) string {
	return func(Observation) string { return s }
}

// DefaultRules is the escalation table. Within one observation rules are
// evaluated in this order.
var DefaultRules = []Rule{
	{
		ID: "vibe.waking_up", Stream: activity.Vibes, Counted: true,
		Match: countIs(1),
		Title: text("👀 %s is waking up"),
		Body:  static("Someone just sent a vibe. Be the first to check it out!"),
	},
	{
		ID: "vibe.picking_up", Stream: activity.Vibes, Counted: true,
		Match: countIs(2),
		Title: text("⚡ %s is picking up"),
		Body:  static("Multiple vibes incoming. The energy is building!"),
	},
	{
		ID: "vibe.trending", Stream: activity.Vibes, Guarded: true, Counted: true,
		Match: countAtLeast(3),
		Title: text("🔥 %s is TRENDING!"),
		Body:  static("The party is heating up. Do not miss out!"),
	},
	{
		ID: "vibe.on_fire", Stream: activity.Vibes, Counted: true,
		Match: countIs(5),
		Title: text("🚀 %s is ON FIRE!"),
		Body: func(o Observation) string {
			return fmt.Sprintf("%d vibes and counting. This is THE spot tonight!", o.Count)
		},
	},
	{
		ID: "vibe.legendary", Stream: activity.Vibes, Counted: true,
		Match: countIs(10),
		Title: text("🏆 %s: LEGENDARY NIGHT"),
		Body: func(o Observation) string {
			return fmt.Sprintf("%d vibes! This one's going down in history!", o.Count)
		},
	},
	{
		ID: "pullup.first", Stream: activity.PullingUp, Counted: true,
		Match: countIs(1),
		Title: text("🚗 Someone's pulling up to %s"),
		Body: func(o Observation) string {
			return fmt.Sprintf("Arriving in ~%d min. The night is starting!", o.Record.ETAMinutes)
		},
	},
	{
		ID: "pullup.squad", Stream: activity.PullingUp, Guarded: true, Counted: true,
		Match: countAtLeast(3),
		Title: text("👥 Squad alert at %s!"),
		Body: func(o Observation) string {
			return fmt.Sprintf("%d people pulling up. The crew is assembling!", o.Count)
		},
	},
	{
		ID: "pullup.going_off", Stream: activity.PullingUp, Counted: true,
		Match: countIs(5),
		Title: text("🎉 %s is about to go OFF"),
		Body: func(o Observation) string {
			return fmt.Sprintf("%d people on their way. Get there before it's packed!", o.Count)
		},
	},
	{
		ID: "review.good", Stream: activity.Reviews,
		Match: func(o Observation) bool { return o.Record.Rating >= activity.RatingGood },
		Title: func(o Observation) string {
			return fmt.Sprintf("⭐ %s just got a %s review!", o.VenueName, o.Record.Rating.Label())
		},
		Body: static("People are loving this spot. Check out what they said!"),
	},
	{
		ID: "chat.message", Stream: activity.Messages,
		Match: func(Observation) bool { return true },
		Title: text("💬 New message in %s chat"),
		Body:  static("Join the conversation about the vibe!"),
	},
}
