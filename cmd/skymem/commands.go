package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/skymem/internal/bsky"
	"github.com/kalambet/skymem/internal/contextpack"
	"github.com/kalambet/skymem/internal/store"
)

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context <handle>",
	Short: "Build a HOT/COLD context pack for a counterpart",
	Long: `Build a HOT/COLD context pack for a counterpart.

Examples:
  skymem context alice.bsky.social
  skymem context alice.bsky.social --dm 20 --threads 5
  skymem context alice.bsky.social --focus at://did:plc:abc/app.bsky.feed.post/xyz --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dmLimit, _ := cmd.Flags().GetInt("dm")
		threadLimit, _ := cmd.Flags().GetInt("threads")
		focus, _ := cmd.Flags().GetString("focus")
		asJSON, _ := cmd.Flags().GetBool("json")

		st, cfg, err := openStore("")
		if err != nil {
			return err
		}
		defer st.Close()

		asm := &contextpack.Assembler{Store: st}
		if cfg.FetchEnabled() {
			asm.Fetcher = bsky.New(cfg.Fetch.AppViewURL)
		}

		pack, err := asm.Build(cmd.Context(), args[0], contextpack.Options{
			DMLimit:     dmLimit,
			ThreadLimit: threadLimit,
			FocusURI:    focus,
		})
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no memory of %s yet", args[0])
		}
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(pack)
		}
		fmt.Print(contextpack.Render(pack))
		return nil
	},
}

func init() {
	contextCmd.Flags().Int("dm", 10, "number of recent DMs to include")
	contextCmd.Flags().Int("threads", 5, "number of shared threads to include")
	contextCmd.Flags().String("focus", "", "at:// URI of the post being replied to")
	contextCmd.Flags().Bool("json", false, "emit the pack as JSON")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <handle> <query>",
	Short: "Full-text search across remembered DMs and interactions",
	Long: `Full-text search across remembered DMs and interactions.

The query supports quoted phrases, trailing-* prefixes, -term exclusion
and explicit uppercase AND/OR/NOT. Use "-" as the handle to search
across all counterparts.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scopeStr, _ := cmd.Flags().GetString("scope")
		since, _ := cmd.Flags().GetString("since")
		until, _ := cmd.Flags().GetString("until")
		limit, _ := cmd.Flags().GetInt("limit")

		scope, err := store.ParseScope(scopeStr)
		if err != nil {
			return err
		}

		st, _, err := openStore("")
		if err != nil {
			return err
		}
		defer st.Close()

		var actorDID string
		if args[0] != "-" {
			actor, err := st.ResolveActor(args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no memory of %s yet", args[0])
			}
			if err != nil {
				return err
			}
			actorDID = actor.DID
		}

		hits, err := st.Search(store.SearchQuery{
			Text:     strings.Join(args[1:], " "),
			Scope:    scope,
			ActorDID: actorDID,
			Since:    since,
			Until:    until,
			Limit:    limit,
		})
		if err != nil {
			return err
		}

		if len(hits) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for _, h := range hits {
			ref := h.URI
			if ref == "" {
				ref = h.ConvoID
			}
			fmt.Printf("[%s] %s %s\n    %s\n", h.Kind, h.Timestamp, ref, strings.ReplaceAll(h.Text, "\n", " "))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("scope", "all", "search scope: all, dm or threads")
	searchCmd.Flags().String("since", "", "lower time bound (RFC3339 or yyyy-mm-dd)")
	searchCmd.Flags().String("until", "", "upper time bound (RFC3339 or yyyy-mm-dd)")
	searchCmd.Flags().Int("limit", 20, "maximum number of hits")
}

// --- threads ---

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage watched threads and their check schedule",
}

var threadsWatchCmd = &cobra.Command{
	Use:   "watch <root-uri>",
	Short: "Start watching a thread for a counterpart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, actorDID, err := openStoreWithActor(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		w, err := st.Watch(args[0], actorDID)
		if err != nil {
			return err
		}
		printSuccess("watching %s (next check %s)", args[0], w.NextCheckAt.Format("2006-01-02 15:04 MST"))
		return nil
	},
}

var threadsUnwatchCmd = &cobra.Command{
	Use:   "unwatch <root-uri>",
	Short: "Stop watching a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, actorDID, err := openStoreWithActor(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Unwatch(args[0], actorDID); err != nil {
			return err
		}
		printSuccess("closed watch on %s", args[0])
		return nil
	},
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List thread watches",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusStr, _ := cmd.Flags().GetString("status")

		var status store.WatchStatus
		if statusStr != "" {
			s, err := store.ParseWatchStatus(statusStr)
			if err != nil {
				return err
			}
			status = s
		}

		st, _, err := openStore("")
		if err != nil {
			return err
		}
		defer st.Close()

		watches, err := st.ListWatches(status)
		if err != nil {
			return err
		}
		if len(watches) == 0 {
			fmt.Println("no watches")
			return nil
		}
		for _, w := range watches {
			fmt.Printf("%-9s step %d next %s  %s (%s)\n",
				w.Status, w.BackoffStep, w.NextCheckAt.Format("2006-01-02 15:04"), w.RootURI, w.ActorDID)
		}
		return nil
	},
}

var threadsBackoffCheckCmd = &cobra.Command{
	Use:   "backoff-check <root-uri>",
	Short: "Exit 0 when the thread is due for a check, 3 when not",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, actorDID, err := openStoreWithActor(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		due, err := st.DueForCheck(args[0], actorDID)
		if errors.Is(err, store.ErrNotFound) {
			return exitCodeError{code: 3, msg: "not watched"}
		}
		if err != nil {
			return err
		}
		if !due {
			return exitCodeError{code: 3, msg: "not due"}
		}
		fmt.Println("due")
		return nil
	},
}

var threadsBackoffUpdateCmd = &cobra.Command{
	Use:   "backoff-update <root-uri>",
	Short: "Record the outcome of a thread check",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		activity, _ := cmd.Flags().GetBool("activity")

		st, _, actorDID, err := openStoreWithActor(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		w, err := st.RecordCheck(args[0], actorDID, activity)
		if errors.Is(err, store.ErrWatchClosed) {
			return fmt.Errorf("watch on %s is closed; re-watch it first", args[0])
		}
		if err != nil {
			return err
		}
		printStatus("status", "%s", w.Status)
		printStatus("next check", "%s", w.NextCheckAt.Format("2006-01-02 15:04 MST"))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{threadsWatchCmd, threadsUnwatchCmd, threadsBackoffCheckCmd, threadsBackoffUpdateCmd} {
		c.Flags().String("actor", "", "counterpart DID or handle (required)")
		c.MarkFlagRequired("actor")
	}
	threadsBackoffUpdateCmd.Flags().Bool("activity", false, "new activity was found during the check")
	threadsListCmd.Flags().String("status", "", "filter by status: watching, silenced or closed")

	threadsCmd.AddCommand(threadsWatchCmd)
	threadsCmd.AddCommand(threadsUnwatchCmd)
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsBackoffCheckCmd)
	threadsCmd.AddCommand(threadsBackoffUpdateCmd)
}

// openStoreWithActor opens the account store and resolves the --actor
// flag to a DID. Unknown handles are an error; raw DIDs pass through so
// a watch can start before any event about the actor was ingested.
func openStoreWithActor(cmd *cobra.Command) (*store.Store, string, string, error) {
	actorRef, _ := cmd.Flags().GetString("actor")

	st, cfg, err := openStore("")
	if err != nil {
		return nil, "", "", err
	}

	ref := strings.TrimPrefix(strings.TrimSpace(actorRef), "@")
	if strings.HasPrefix(ref, "did:") {
		return st, cfg.Account.Handle, ref, nil
	}
	actor, err := st.ResolveActor(ref)
	if err != nil {
		st.Close()
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", "", fmt.Errorf("unknown actor %q: pass a DID to watch before first contact", actorRef)
		}
		return nil, "", "", err
	}
	return st, cfg.Account.Handle, actor.DID, nil
}

// --- actors ---

var actorsCmd = &cobra.Command{
	Use:   "actors",
	Short: "Inspect and annotate remembered counterparts",
}

var actorsShowCmd = &cobra.Command{
	Use:   "show <handle|did>",
	Short: "Show everything remembered about a counterpart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		st, _, err := openStore("")
		if err != nil {
			return err
		}
		defer st.Close()

		actor, err := st.ResolveActor(args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no memory of %s yet", args[0])
		}
		if err != nil {
			return err
		}

		fmt.Printf("@%s (%s)\n", actor.Handle, actor.DID)
		if actor.DisplayName != "" {
			fmt.Printf("  name: %s\n", actor.DisplayName)
		}
		fmt.Printf("  first seen: %s  last: %s  interactions: %d\n",
			actor.FirstSeenAt.Format("2006-01-02"), actor.LastSeenAt.Format("2006-01-02"), actor.InteractionCount)

		tags, err := st.ActorTags(actor.DID)
		if err != nil {
			return err
		}
		if len(tags) > 0 {
			fmt.Printf("  tags: %s\n", strings.Join(tags, ", "))
		}
		if actor.NotesManual != "" {
			fmt.Printf("  notes: %s\n", actor.NotesManual)
		}
		if actor.NotesAuto != "" {
			fmt.Printf("  notes (auto): %s\n", actor.NotesAuto)
		}

		history, err := st.HandleHistory(actor.DID)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			fmt.Printf("  previous handles: %s\n", strings.Join(history, ", "))
		}

		interactions, err := st.RecentInteractions(actor.DID, limit)
		if err != nil {
			return err
		}
		if len(interactions) > 0 {
			fmt.Println("  recent interactions:")
			for _, it := range interactions {
				line := it.TheirText
				if line == "" {
					line = it.PostURI
				}
				fmt.Printf("    %s %-8s %s\n", it.OccurredAt.Format("2006-01-02"), it.Kind, strings.ReplaceAll(line, "\n", " "))
			}
		}
		return nil
	},
}

var actorsNoteCmd = &cobra.Command{
	Use:   "note <handle|did> <text...>",
	Short: "Set the operator note on a counterpart",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore("")
		if err != nil {
			return err
		}
		defer st.Close()

		actor, err := st.ResolveActor(args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no memory of %s yet", args[0])
		}
		if err != nil {
			return err
		}

		// keep the agent's notes intact, only the manual note changes
		note := strings.Join(args[1:], " ")
		if err := st.SetActorNotes(actor.DID, note, actor.NotesAuto); err != nil {
			return err
		}
		if note == "" {
			printSuccess("cleared note on @%s", actor.Handle)
		} else {
			printSuccess("noted @%s", actor.Handle)
		}
		return nil
	},
}

var actorsTagCmd = &cobra.Command{
	Use:   "tag <handle|did> <tag>",
	Short: "Attach a tag to a counterpart",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore("")
		if err != nil {
			return err
		}
		defer st.Close()

		actor, err := st.ResolveActor(args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no memory of %s yet", args[0])
		}
		if err != nil {
			return err
		}
		if err := st.TagActor(actor.DID, args[1]); err != nil {
			return err
		}
		printSuccess("tagged @%s %q", actor.Handle, args[1])
		return nil
	},
}

var actorsUntagCmd = &cobra.Command{
	Use:   "untag <handle|did> <tag>",
	Short: "Remove a tag from a counterpart",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore("")
		if err != nil {
			return err
		}
		defer st.Close()

		actor, err := st.ResolveActor(args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no memory of %s yet", args[0])
		}
		if err != nil {
			return err
		}
		if err := st.UntagActor(actor.DID, args[1]); err != nil {
			return err
		}
		printSuccess("untagged @%s %q", actor.Handle, args[1])
		return nil
	},
}

func init() {
	actorsShowCmd.Flags().Int("limit", 10, "number of recent interactions to show")

	actorsCmd.AddCommand(actorsShowCmd)
	actorsCmd.AddCommand(actorsNoteCmd)
	actorsCmd.AddCommand(actorsTagCmd)
	actorsCmd.AddCommand(actorsUntagCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest normalized events from a JSON file",
	Long: `Ingest normalized events from a JSON file.

The file holds a JSON array of event objects as produced by the fetch
layer. Duplicates are skipped, bad records are counted and reported,
and the batch never aborts part-way.

Examples:
  skymem ingest dms --file dms.json
  skymem ingest notifications --file notifs.json
  skymem ingest interactions --file interactions.json`,
}

var ingestDMsCmd = &cobra.Command{
	Use:   "dms",
	Short: "Ingest direct-message events",
	RunE: func(cmd *cobra.Command, args []string) error {
		var events []store.DMEvent
		st, err := loadEvents(cmd, &events)
		if err != nil {
			return err
		}
		defer st.Close()
		return printSummary(st.IngestDMBatch(events))
	},
}

var ingestNotificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Ingest notification events",
	RunE: func(cmd *cobra.Command, args []string) error {
		var events []store.NotificationEvent
		st, err := loadEvents(cmd, &events)
		if err != nil {
			return err
		}
		defer st.Close()
		return printSummary(st.IngestNotificationBatch(events))
	},
}

var ingestInteractionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Ingest interaction events",
	RunE: func(cmd *cobra.Command, args []string) error {
		var events []store.InteractionEvent
		st, err := loadEvents(cmd, &events)
		if err != nil {
			return err
		}
		defer st.Close()
		return printSummary(st.IngestInteractionBatch(events))
	},
}

func init() {
	for _, c := range []*cobra.Command{ingestDMsCmd, ingestNotificationsCmd, ingestInteractionsCmd} {
		c.Flags().String("file", "", "path to a JSON array of events (required)")
		c.MarkFlagRequired("file")
		ingestCmd.AddCommand(c)
	}
}

// loadEvents reads and decodes the --file argument, then opens the store.
func loadEvents(cmd *cobra.Command, out any) (*store.Store, error) {
	file, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading events file: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("parsing events file %s: %w", file, err)
	}

	st, _, err := openStore("")
	if err != nil {
		return nil, err
	}
	return st, nil
}

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Import a legacy JSON state file into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		fromJSON, _ := cmd.Flags().GetString("from-json")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		archive, _ := cmd.Flags().GetBool("archive-json")

		st, cfg, err := openStore("")
		if err != nil {
			return err
		}
		defer st.Close()

		if fromJSON == "" {
			fromJSON = filepath.Join(cfg.Storage.DataDir, "threads_state.json")
		}

		report, err := st.MigrateLegacy(fromJSON, store.LegacyOptions{
			DryRun:           dryRun,
			ArchiveOnSuccess: archive,
		})
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Println("no legacy state found; nothing to do")
			return nil
		}
		if err != nil {
			return err
		}

		if report.DryRun {
			printStep("dry run, nothing written")
		}
		printStatus("threads", "%d imported, %d skipped", report.ThreadsImported, report.ThreadsSkipped)
		printStatus("evaluated", "%d imported", report.EvaluatedImported)
		for _, r := range report.SkippedReasons {
			printWarning("skipped %s", r)
		}
		if report.ArchivedTo != "" {
			printSuccess("archived legacy state to %s", report.ArchivedTo)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("from-json", "", "path to the legacy JSON state file")
	migrateCmd.Flags().Bool("dry-run", false, "map and count without writing")
	migrateCmd.Flags().Bool("archive-json", false, "rename the source file after a committed import")

	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(actorsCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(migrateCmd)
}
