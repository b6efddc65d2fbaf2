package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/scene/internal/activity"
	"github.com/kalambet/scene/internal/config"
	"github.com/kalambet/scene/internal/crowd"
	"github.com/kalambet/scene/internal/identity"
	"github.com/kalambet/scene/internal/participation"
	"github.com/kalambet/scene/internal/scene"
)

func venuePath(venueID string, parts ...string) string {
	p := "/venues/" + url.PathEscape(venueID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// submit posts a participation event for the current identity.
func submit(ctx context.Context, c *apiClient, venueID string, stream activity.Stream, p participation.Payload) (activity.Record, error) {
	resp, err := c.post(ctx, venuePath(venueID, "participation", string(stream)), p)
	if err != nil {
		return activity.Record{}, err
	}
	var rec activity.Record
	if err := decodeJSON(resp, &rec); err != nil {
		return activity.Record{}, err
	}
	return rec, nil
}

func fetchCrowd(ctx context.Context, c *apiClient, venueID string) (scene.CrowdState, error) {
	resp, err := c.get(ctx, venuePath(venueID, "crowd"))
	if err != nil {
		return scene.CrowdState{}, err
	}
	var cs scene.CrowdState
	if err := decodeJSON(resp, &cs); err != nil {
		return scene.CrowdState{}, err
	}
	return cs, nil
}

func writeCrowd(w io.Writer, name string, cs scene.CrowdState) {
	label := colorize(levelColor(cs.IntensityPercent), fmt.Sprintf("%-10s", cs.Label))
	fmt.Fprintf(w, "%s %s %s %3d%%  %d vibing, %d pulling up", colorize(colorBold, name), label, intensityBar(cs.IntensityPercent), cs.IntensityPercent, cs.Count, cs.PullingUp)
	if cs.IsTrending {
		fmt.Fprint(w, "  "+colorize(colorRed, "🔥 trending"))
	}
	fmt.Fprintln(w)
}

// --- participation ---

var vibeCmd = &cobra.Command{
	Use:   "vibe <venue-id>",
	Short: "Say you're at a venue right now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if _, err := submit(cmd.Context(), client, args[0], activity.Vibes, participation.Payload{}); err != nil {
			return err
		}
		printSuccess("Vibe recorded")
		return nil
	},
}

var pullupCmd = &cobra.Command{
	Use:   "pullup <venue-id>",
	Short: "Say you're on your way to a venue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eta, _ := cmd.Flags().GetInt("eta")
		if eta < participation.MinETAMinutes || eta > participation.MaxETAMinutes {
			return fmt.Errorf("--eta must be between %d and %d minutes", participation.MinETAMinutes, participation.MaxETAMinutes)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		rec, err := submit(cmd.Context(), client, args[0], activity.PullingUp, participation.Payload{ETAMinutes: eta})
		if err != nil {
			return err
		}
		printSuccess("Pulling up in %d minutes (until %s)", rec.ETAMinutes, rec.ExpiresAt.Local().Format(time.Kitchen))
		return nil
	},
}

func init() {
	pullupCmd.Flags().Int("eta", participation.DefaultETAMinutes, "minutes until you arrive")
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <venue-id> <lit|good|mid|dead> [comment...]",
	Short: "Rate a venue",
	Long: `Rate a venue. Requires a signed-in user (auth.user_id).

Examples:
  scene feedback 3f2a lit
  scene feedback 3f2a mid "line moves slow"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := activity.ParseRating(args[1]); err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		p := participation.Payload{Rating: args[1], Content: strings.Join(args[2:], " ")}
		if _, err := submit(cmd.Context(), client, args[0], activity.Reviews, p); err != nil {
			return err
		}
		printSuccess("Feedback recorded")
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <venue-id> [message...]",
	Short: "Read or post a venue's chat",
	Long: `With a message, posts it to the venue chat. Without one, prints the
latest messages. Posting requires a signed-in user (auth.user_id).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if len(args) > 1 {
			p := participation.Payload{Content: strings.Join(args[1:], " ")}
			if _, err := submit(ctx, client, args[0], activity.Messages, p); err != nil {
				return err
			}
			printSuccess("Message sent")
			return nil
		}

		resp, err := client.get(ctx, venuePath(args[0], "messages"))
		if err != nil {
			return err
		}
		var msgs []activity.Record
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages yet.")
			return nil
		}
		for _, m := range msgs {
			who := m.UserID
			if who == client.identity.UserID {
				who = "you"
			}
			fmt.Fprintf(out, "%s %s: %s\n",
				colorize(colorCyan, m.CreatedAt.Local().Format("15:04")),
				colorize(colorBold, who),
				m.Content,
			)
		}
		return nil
	},
}

// --- read side ---

var crowdCmd = &cobra.Command{
	Use:   "crowd <venue-id>",
	Short: "Show how busy a venue is",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		resp, err := client.get(ctx, venuePath(args[0]))
		if err != nil {
			return err
		}
		var v activity.Venue
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}
		cs, err := fetchCrowd(ctx, client, args[0])
		if err != nil {
			return err
		}
		writeCrowd(cmd.OutOrStdout(), v.Name, cs)
		return nil
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary <venue-id>",
	Short: "Show tonight's feedback for a venue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), venuePath(args[0], "feedback"))
		if err != nil {
			return err
		}
		var sum crowd.FeedbackSummary
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}
		writeSummary(cmd.OutOrStdout(), sum)
		return nil
	},
}

func writeSummary(w io.Writer, sum crowd.FeedbackSummary) {
	if sum.Total == 0 {
		fmt.Fprintln(w, "No feedback in the last 24 hours.")
		return
	}
	fmt.Fprintf(w, "%d ratings, average %.1f\n", sum.Total, sum.Average)
	for _, r := range activity.Ratings {
		n := sum.Counts.Get(r)
		line := fmt.Sprintf("  %-5s %3d %s", r.Label(), n, strings.Repeat("▇", n*20/sum.Total))
		if sum.Dominant != nil && *sum.Dominant == r {
			line = colorize(colorBold, line)
		}
		fmt.Fprintln(w, line)
	}
}

var trendingCmd = &cobra.Command{
	Use:   "trending",
	Short: "Rank venues by current crowd",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, _ := cmd.Flags().GetString("filter")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if filter != "" {
			q.Set("filter", filter)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprint(limit))
		}
		path := "/crowd"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var venues []scene.VenueCrowd
		if err := decodeJSON(resp, &venues); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(venues) == 0 {
			fmt.Fprintln(out, "No venues match.")
			return nil
		}
		for _, vc := range venues {
			writeCrowd(out, vc.Venue.Name, vc.Crowd)
		}
		return nil
	},
}

func init() {
	trendingCmd.Flags().String("filter", "", "trending or vibing (default: all venues)")
	trendingCmd.Flags().Int("limit", 10, "maximum number of venues")
}

// --- venues ---

var venueCmd = &cobra.Command{
	Use:   "venue",
	Short: "Manage the venue catalog",
}

var venueAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a venue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := activity.Venue{Name: strings.Join(args, " ")}
		v.Lat, _ = cmd.Flags().GetFloat64("lat")
		v.Lng, _ = cmd.Flags().GetFloat64("lng")
		v.Address, _ = cmd.Flags().GetString("address")
		v.Genre, _ = cmd.Flags().GetString("genre")
		v.Description, _ = cmd.Flags().GetString("description")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/venues", v)
		if err != nil {
			return err
		}
		var saved activity.Venue
		if err := decodeJSON(resp, &saved); err != nil {
			return err
		}
		printSuccess("Added %s (%s)", saved.Name, saved.ID)
		return nil
	},
}

var venueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List venues",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/venues")
		if err != nil {
			return err
		}
		var venues []activity.Venue
		if err := decodeJSON(resp, &venues); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(venues) == 0 {
			fmt.Fprintln(out, "No venues found.")
			return nil
		}
		for _, v := range venues {
			fmt.Fprintf(out, "%s  %s", colorize(colorCyan, v.ID), v.Name)
			if v.Genre != "" {
				fmt.Fprintf(out, "  (%s)", v.Genre)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	venueAddCmd.Flags().Float64("lat", 0, "latitude")
	venueAddCmd.Flags().Float64("lng", 0, "longitude")
	venueAddCmd.Flags().String("address", "", "street address")
	venueAddCmd.Flags().String("genre", "", "music genre")
	venueAddCmd.Flags().String("description", "", "short description")
	venueCmd.AddCommand(venueAddCmd)
	venueCmd.AddCommand(venueListCmd)
}

// --- identity ---

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Show the identity participation is recorded under",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		id, err := identity.Current(localIdentity(cfg))
		if err != nil {
			return err
		}
		printStatus("Device", "%s", id.DeviceID)
		if id.Authenticated() {
			printStatus("User", "%s", id.UserID)
		} else {
			printStatus("User", "signed out (set auth.user_id to rate venues and chat)")
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			m := make(map[string]string)
			for _, k := range config.ShowAll(cfg) {
				m[k.Key] = k.Value
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
