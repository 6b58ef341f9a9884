package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tx/internal/learning"
	"tx/internal/retrieval"
	"tx/internal/store"
	"tx/internal/watcher"
)

var (
	learningSourceType string
	learningSourceRef  string
	learningKeywords   []string
	learningCategory   string
	learningLimit      int
	learningContent    string
	learningNote       string
	learningEdgeType   string
	learningEdgeWeight float64

	searchLimit      int
	searchMinScore   float64
	searchCategory   string
	searchSourceType string
	searchNoLexical  bool
	searchNoVector   bool
	searchGraph      bool
	searchGraphDepth int
	searchRerank     bool
	searchMMR        bool
	searchNoFeedback bool

	candConfidence string
	candRun        string
	candTask       string
	candStatus     string

	compactOlderThan time.Duration
	compactOutput    string
	compactMode      string
	compactDryRun    bool

	anchorType   string
	anchorSymbol string
	anchorStart  int
	anchorEnd    int
	anchorPinned bool
	anchorWatch  bool
)

var learningCmd = &cobra.Command{
	Use:   "learning",
	Short: "Manage and search the contextual-learnings corpus",
}

var learningAddCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Store a learning",
	Args:  minArgs(1),
	RunE:  learningAdd,
}

var learningListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learnings, newest first",
	Args:  noArgs,
	RunE:  learningList,
}

var learningShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one learning with its edges and anchors",
	Args:  exactArgs(1),
	RunE:  learningShow,
}

var learningUpdateCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Update a learning's content, keywords or category",
	Args:  exactArgs(1),
	RunE:  learningUpdate,
}

var learningDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a learning and everything hanging off it",
	Args:  exactArgs(1),
	RunE:  learningDelete,
}

var learningFeedbackCmd = &cobra.Command{
	Use:   "feedback [id] [score]",
	Short: "Record retrieval feedback in [0,1] for a learning",
	Args:  exactArgs(2),
	RunE:  learningFeedback,
}

var learningLinkCmd = &cobra.Command{
	Use:   "link [from-id] [to-id]",
	Short: "Add a typed edge between two learnings",
	Args:  exactArgs(2),
	RunE:  learningLink,
}

var learningUnlinkCmd = &cobra.Command{
	Use:   "unlink [from-id] [to-id]",
	Short: "Remove an edge between two learnings",
	Args:  exactArgs(2),
	RunE:  learningUnlink,
}

var learningSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run the hybrid retrieval pipeline over the corpus",
	Long: `Searches learnings with lexical and vector stages fused by reciprocal
rank, optionally expanded over the learning graph, reranked and
diversified. Stages without a backing capability degrade silently.`,
	Args: minArgs(1),
	RunE: learningSearch,
}

var learningCandidateCmd = &cobra.Command{
	Use:   "candidate",
	Short: "Manage learning candidates awaiting promotion",
}

var candProposeCmd = &cobra.Command{
	Use:   "propose [content]",
	Short: "Propose a candidate learning",
	Args:  minArgs(1),
	RunE:  candidatePropose,
}

var candListCmd = &cobra.Command{
	Use:   "list",
	Short: "List candidates",
	Args:  noArgs,
	RunE:  candidateList,
}

var candPromoteCmd = &cobra.Command{
	Use:   "promote [id]",
	Short: "Promote a pending candidate into the corpus",
	Args:  exactArgs(1),
	RunE:  candidatePromote,
}

var candRejectCmd = &cobra.Command{
	Use:   "reject [id]",
	Short: "Reject a pending candidate",
	Args:  exactArgs(1),
	RunE:  candidateReject,
}

var candAutoCmd = &cobra.Command{
	Use:   "auto-promote",
	Short: "Promote all high-confidence pending candidates, deduplicating",
	Args:  noArgs,
	RunE:  candidateAutoPromote,
}

var learningCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Fold old done tasks into a learnings file and delete them",
	Args:  noArgs,
	RunE:  learningCompact,
}

var learningHistoryCmd = &cobra.Command{
	Use:   "compact-history",
	Short: "Show past compaction passes",
	Args:  noArgs,
	RunE:  learningHistory,
}

var learningAnchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Pin learnings to code locations and track drift",
}

var anchorAddCmd = &cobra.Command{
	Use:   "add [learning-id] [file]",
	Short: "Anchor a learning to a file or line span",
	Args:  exactArgs(2),
	RunE:  anchorAdd,
}

var anchorListCmd = &cobra.Command{
	Use:   "list [learning-id]",
	Short: "List a learning's anchors",
	Args:  exactArgs(1),
	RunE:  anchorList,
}

var anchorVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-hash every anchored span and update statuses",
	Long: `Verifies all anchors against the working tree. With --watch the
command keeps running and re-verifies whenever an anchored file
changes.`,
	Args: noArgs,
	RunE: anchorVerify,
}

var anchorHistoryCmd = &cobra.Command{
	Use:   "history [anchor-id]",
	Short: "Show an anchor's status-change log",
	Args:  exactArgs(1),
	RunE:  anchorHistory,
}

func init() {
	learningAddCmd.Flags().StringVar(&learningSourceType, "source-type", "manual", "provenance (manual, run, compaction, claude_md)")
	learningAddCmd.Flags().StringVar(&learningSourceRef, "source-ref", "", "provenance reference (run or task id, file path)")
	learningAddCmd.Flags().StringSliceVar(&learningKeywords, "keywords", nil, "keywords (repeatable)")
	learningAddCmd.Flags().StringVar(&learningCategory, "category", "", "category tag")

	learningListCmd.Flags().StringVar(&learningCategory, "category", "", "filter by category")
	learningListCmd.Flags().StringVar(&learningSourceType, "source-type", "", "filter by provenance")
	learningListCmd.Flags().IntVar(&learningLimit, "limit", 0, "max rows (0 = all)")

	learningUpdateCmd.Flags().StringVar(&learningContent, "content", "", "new content (re-embeds)")
	learningUpdateCmd.Flags().StringSliceVar(&learningKeywords, "keywords", nil, "replacement keywords")
	learningUpdateCmd.Flags().StringVar(&learningCategory, "category", "", "new category (empty clears)")

	learningFeedbackCmd.Flags().StringVar(&learningNote, "note", "", "why this score")

	learningLinkCmd.Flags().StringVar(&learningEdgeType, "type", string(store.EdgeRelatesTo), "edge type (DERIVED_FROM, RELATES_TO, SUPERSEDES, REFINES)")
	learningLinkCmd.Flags().Float64Var(&learningEdgeWeight, "weight", 1, "edge weight")
	learningUnlinkCmd.Flags().StringVar(&learningEdgeType, "type", string(store.EdgeRelatesTo), "edge type")

	learningSearchCmd.Flags().IntVar(&searchLimit, "limit", 10, "max results")
	learningSearchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "drop results below this score")
	learningSearchCmd.Flags().StringVar(&searchCategory, "category", "", "filter by category")
	learningSearchCmd.Flags().StringVar(&searchSourceType, "source-type", "", "filter by provenance")
	learningSearchCmd.Flags().BoolVar(&searchNoLexical, "no-lexical", false, "skip the lexical stage")
	learningSearchCmd.Flags().BoolVar(&searchNoVector, "no-vector", false, "skip the vector stage")
	learningSearchCmd.Flags().BoolVar(&searchGraph, "graph", false, "expand over the learning graph")
	learningSearchCmd.Flags().IntVar(&searchGraphDepth, "graph-depth", 1, "graph expansion depth")
	learningSearchCmd.Flags().BoolVar(&searchRerank, "rerank", false, "apply the reranker capability")
	learningSearchCmd.Flags().BoolVar(&searchMMR, "mmr", false, "diversify the top results")
	learningSearchCmd.Flags().BoolVar(&searchNoFeedback, "no-feedback", false, "skip feedback weighting")

	candProposeCmd.Flags().StringVar(&candConfidence, "confidence", "medium", "low, medium or high")
	candProposeCmd.Flags().StringVar(&candRun, "run", "", "source run id")
	candProposeCmd.Flags().StringVar(&candTask, "task", "", "source task id")
	candListCmd.Flags().StringVar(&candStatus, "status", "", "filter by status (pending, promoted, rejected, merged)")
	candListCmd.Flags().IntVar(&learningLimit, "limit", 0, "max rows (0 = all)")

	learningCompactCmd.Flags().DurationVar(&compactOlderThan, "older-than", 7*24*time.Hour, "compact done tasks completed longer ago than this")
	learningCompactCmd.Flags().StringVar(&compactOutput, "output", "", "learnings file (default learnings.md)")
	learningCompactCmd.Flags().StringVar(&compactMode, "mode", learning.OutputModeAppend, "write or append")
	learningCompactCmd.Flags().BoolVar(&compactDryRun, "dry-run", false, "report which tasks would be compacted")
	learningHistoryCmd.Flags().IntVar(&learningLimit, "limit", 0, "max rows (0 = all)")

	anchorAddCmd.Flags().StringVar(&anchorType, "type", "file", "anchor type (file, symbol, span)")
	anchorAddCmd.Flags().StringVar(&anchorSymbol, "symbol", "", "fully qualified symbol name")
	anchorAddCmd.Flags().IntVar(&anchorStart, "start", 0, "first line of the anchored span (1-based)")
	anchorAddCmd.Flags().IntVar(&anchorEnd, "end", 0, "last line of the anchored span (inclusive)")
	anchorAddCmd.Flags().BoolVar(&anchorPinned, "pinned", false, "always include in assembled context")
	anchorVerifyCmd.Flags().BoolVar(&anchorWatch, "watch", false, "keep running and re-verify on file changes")

	learningCandidateCmd.AddCommand(candProposeCmd, candListCmd, candPromoteCmd, candRejectCmd, candAutoCmd)
	learningAnchorCmd.AddCommand(anchorAddCmd, anchorListCmd, anchorVerifyCmd, anchorHistoryCmd)
	learningCmd.AddCommand(learningAddCmd, learningListCmd, learningShowCmd,
		learningUpdateCmd, learningDeleteCmd, learningFeedbackCmd,
		learningLinkCmd, learningUnlinkCmd, learningSearchCmd,
		learningCandidateCmd, learningCompactCmd, learningHistoryCmd,
		learningAnchorCmd)
	rootCmd.AddCommand(learningCmd)
}

func learningAdd(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	in := learning.CreateInput{
		Content:    strings.Join(args, " "),
		SourceType: store.LearningSourceType(learningSourceType),
		Keywords:   learningKeywords,
	}
	if learningSourceRef != "" {
		in.SourceRef = strPtr(learningSourceRef)
	}
	if learningCategory != "" {
		in.Category = strPtr(learningCategory)
	}
	l, err := k.Learnings.Create(cmd.Context(), in)
	if err != nil {
		return err
	}
	return emit(l, func(w io.Writer) {
		fmt.Fprintf(w, "stored %s\n", l.ID)
	})
}

func learningList(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	list, err := k.Learnings.List(cmd.Context(), learningCategory,
		store.LearningSourceType(learningSourceType), learningLimit)
	if err != nil {
		return err
	}
	return emit(list, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "no learnings")
			return
		}
		for _, l := range list {
			fmt.Fprintf(w, "%-18s %-10s used %3d  %s\n",
				l.ID, l.SourceType, l.UsageCount, truncate(l.Content, 80))
		}
	})
}

func learningShow(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()
	ctx := cmd.Context()

	l, err := k.Learnings.Get(ctx, args[0])
	if err != nil {
		return err
	}
	edges, err := k.Learnings.Edges(ctx, args[0])
	if err != nil {
		return err
	}
	anchors, err := k.Learnings.Anchors(ctx, args[0])
	if err != nil {
		return err
	}

	out := struct {
		Learning *store.Learning `json:"learning"`
		Edges    []*store.Edge   `json:"edges"`
		Anchors  []*store.Anchor `json:"anchors"`
	}{l, edges, anchors}

	return emit(out, func(w io.Writer) {
		fmt.Fprintf(w, "%s  (%s)\n", l.ID, l.SourceType)
		fmt.Fprintf(w, "  %s\n", l.Content)
		if len(l.Keywords) > 0 {
			fmt.Fprintf(w, "  keywords: %s\n", strings.Join(l.Keywords, ", "))
		}
		if l.Category != nil {
			fmt.Fprintf(w, "  category: %s\n", *l.Category)
		}
		fmt.Fprintf(w, "  used %d time(s)\n", l.UsageCount)
		for _, e := range edges {
			fmt.Fprintf(w, "  edge: %s -%s-> %s (%.2f)\n", e.FromID, e.Type, e.ToID, e.Weight)
		}
		for _, a := range anchors {
			fmt.Fprintf(w, "  anchor %d: %s [%s]\n", a.ID, a.FilePath, a.Status)
		}
	})
}

func learningUpdate(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	var in learning.UpdateInput
	flags := cmd.Flags()
	if flags.Changed("content") {
		in.Content = strPtr(learningContent)
	}
	if flags.Changed("keywords") {
		in.Keywords = learningKeywords
	}
	if flags.Changed("category") {
		in.Category = strPtr(learningCategory)
	}
	l, err := k.Learnings.Update(cmd.Context(), args[0], in)
	if err != nil {
		return err
	}
	return emit(l, func(w io.Writer) {
		fmt.Fprintf(w, "updated %s\n", l.ID)
	})
}

func learningDelete(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	if err := k.Learnings.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	return emit(map[string]string{"deleted": args[0]}, func(w io.Writer) {
		fmt.Fprintf(w, "deleted %s\n", args[0])
	})
}

func learningFeedback(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	score, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return usagef("score must be a number in [0,1], got %q", args[1])
	}
	if err := k.Learnings.RecordFeedback(cmd.Context(), args[0], score, learningNote); err != nil {
		return err
	}
	return emit(map[string]any{"learning": args[0], "score": score}, func(w io.Writer) {
		fmt.Fprintf(w, "recorded %.2f for %s\n", score, args[0])
	})
}

func learningLink(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	err = k.Learnings.Link(cmd.Context(), args[0], args[1],
		store.EdgeType(learningEdgeType), learningEdgeWeight)
	if err != nil {
		return err
	}
	return emit(map[string]string{"from": args[0], "to": args[1], "type": learningEdgeType}, func(w io.Writer) {
		fmt.Fprintf(w, "%s -%s-> %s\n", args[0], learningEdgeType, args[1])
	})
}

func learningUnlink(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	err = k.Learnings.Unlink(cmd.Context(), args[0], args[1], store.EdgeType(learningEdgeType))
	if err != nil {
		return err
	}
	return emit(map[string]string{"from": args[0], "to": args[1]}, func(w io.Writer) {
		fmt.Fprintf(w, "unlinked %s from %s\n", args[0], args[1])
	})
}

func learningSearch(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	opts := retrieval.Options{
		Limit:             searchLimit,
		MinScore:          searchMinScore,
		Category:          searchCategory,
		SourceType:        store.LearningSourceType(searchSourceType),
		DisableLexical:    searchNoLexical,
		DisableVector:     searchNoVector,
		UseReranker:       searchRerank,
		DisableFeedback:   searchNoFeedback,
		SkipUsageTracking: false,
	}
	if searchGraph {
		opts.Graph = &retrieval.GraphOptions{Depth: searchGraphDepth}
	}
	if searchMMR {
		opts.MMR = &retrieval.MMROptions{}
	}

	results, err := k.Retrieval.Retrieve(cmd.Context(), strings.Join(args, " "), opts)
	if err != nil {
		return err
	}
	return emit(results, func(w io.Writer) {
		if len(results) == 0 {
			fmt.Fprintln(w, "no results")
			return
		}
		for i, r := range results {
			fmt.Fprintf(w, "%2d. [%.3f] %-18s %s\n",
				i+1, r.Score, r.Learning.ID, truncate(r.Learning.Content, 80))
			if r.Hops > 0 {
				fmt.Fprintf(w, "      via %s (%d hop(s))\n", strings.Join(r.Path, " -> "), r.Hops)
			}
		}
	})
}

func candidatePropose(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	in := learning.CandidateInput{
		Content:    strings.Join(args, " "),
		Confidence: store.CandidateConfidence(candConfidence),
	}
	if candRun != "" {
		in.SourceRunID = strPtr(candRun)
	}
	if candTask != "" {
		in.SourceTaskID = strPtr(candTask)
	}
	c, err := k.Learnings.ProposeCandidate(cmd.Context(), in)
	if err != nil {
		return err
	}
	return emit(c, func(w io.Writer) {
		fmt.Fprintf(w, "proposed %s (%s)\n", c.ID, c.Confidence)
	})
}

func candidateList(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	list, err := k.Learnings.ListCandidates(cmd.Context(), store.CandidateStatus(candStatus), learningLimit)
	if err != nil {
		return err
	}
	return emit(list, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "no candidates")
			return
		}
		for _, c := range list {
			fmt.Fprintf(w, "%-18s %-9s %-7s %s\n",
				c.ID, c.Status, c.Confidence, truncate(c.Content, 70))
		}
	})
}

func candidatePromote(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	l, err := k.Learnings.Promote(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return emit(l, func(w io.Writer) {
		fmt.Fprintf(w, "promoted %s -> %s\n", args[0], l.ID)
	})
}

func candidateReject(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	if err := k.Learnings.RejectCandidate(cmd.Context(), args[0]); err != nil {
		return err
	}
	return emit(map[string]string{"rejected": args[0]}, func(w io.Writer) {
		fmt.Fprintf(w, "rejected %s\n", args[0])
	})
}

func candidateAutoPromote(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	res, err := k.Learnings.AutoPromote(cmd.Context())
	if err != nil {
		return err
	}
	return emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "promoted %d, merged %d\n", len(res.Promoted), len(res.Merged))
	})
}

func learningCompact(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	res, err := k.Learnings.Compact(cmd.Context(), learning.CompactInput{
		Before:     k.Store.Now().Add(-compactOlderThan),
		OutputFile: compactOutput,
		OutputMode: compactMode,
		DryRun:     compactDryRun,
	})
	if err != nil {
		return err
	}
	return emit(res, func(w io.Writer) {
		if len(res.TaskIDs) == 0 {
			fmt.Fprintln(w, "nothing to compact")
			return
		}
		if res.DryRun {
			fmt.Fprintf(w, "would compact %d task(s): %s\n",
				len(res.TaskIDs), strings.Join(res.TaskIDs, ", "))
			return
		}
		fmt.Fprintf(w, "compacted %d task(s) into %s\n", len(res.TaskIDs), res.OutputFile)
		if res.LearningID != "" {
			fmt.Fprintf(w, "summary stored as %s\n", res.LearningID)
		}
	})
}

func learningHistory(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	hist, err := k.Learnings.History(cmd.Context(), learningLimit)
	if err != nil {
		return err
	}
	return emit(hist, func(w io.Writer) {
		if len(hist) == 0 {
			fmt.Fprintln(w, "no compactions")
			return
		}
		for _, h := range hist {
			fmt.Fprintf(w, "%s  %3d task(s) -> %s\n",
				h.CreatedAt.Format(time.RFC3339), h.TaskCount, h.OutputFile)
		}
	})
}

func anchorAdd(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	in := learning.AnchorInput{
		LearningID: args[0],
		AnchorType: anchorType,
		FilePath:   args[1],
		Pinned:     anchorPinned,
	}
	if anchorSymbol != "" {
		in.SymbolFQName = strPtr(anchorSymbol)
	}
	if anchorStart > 0 {
		in.LineStart = intPtr(anchorStart)
	}
	if anchorEnd > 0 {
		in.LineEnd = intPtr(anchorEnd)
	}
	a, err := k.Learnings.AddAnchor(cmd.Context(), in)
	if err != nil {
		return err
	}
	return emit(a, func(w io.Writer) {
		fmt.Fprintf(w, "anchored %s to %s (anchor %d)\n", args[0], a.FilePath, a.ID)
	})
}

func anchorList(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	anchors, err := k.Learnings.Anchors(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return emit(anchors, func(w io.Writer) {
		if len(anchors) == 0 {
			fmt.Fprintln(w, "no anchors")
			return
		}
		for _, a := range anchors {
			span := ""
			if a.LineStart != nil && a.LineEnd != nil {
				span = fmt.Sprintf(":%d-%d", *a.LineStart, *a.LineEnd)
			}
			fmt.Fprintf(w, "%4d %-8s %s%s\n", a.ID, a.Status, a.FilePath, span)
		}
	})
}

func anchorVerify(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()
	ctx := cmd.Context()

	summary, err := k.Learnings.VerifyAnchors(ctx)
	if err != nil {
		return err
	}
	if err := printAnchorSummary(summary); err != nil {
		return err
	}
	if !anchorWatch {
		return nil
	}

	// Watch the directories of every anchored file and re-verify on any
	// change underneath them.
	anchors, err := k.Store.AllAnchors(ctx)
	if err != nil {
		return err
	}
	dirs := make(map[string]bool)
	for _, a := range anchors {
		dirs[filepath.Dir(a.FilePath)] = true
	}
	paths := make([]string, 0, len(dirs))
	for d := range dirs {
		paths = append(paths, d)
	}

	w := watcher.NewFSWatcher(func(path string) {
		if _, err := k.Learnings.VerifyAnchors(ctx); err != nil {
			logger.Warn("anchor verification failed", zap.String("path", path), zap.Error(err))
		}
	})
	if err := w.Start(ctx, paths); err != nil {
		return err
	}
	defer w.Stop()
	fmt.Fprintf(os.Stdout, "watching %d directories, Ctrl-C to stop\n", len(paths))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	final, err := k.Learnings.AnchorStatusSummary(ctx)
	if err != nil {
		return err
	}
	return printAnchorSummary(final)
}

func printAnchorSummary(s *learning.AnchorSummary) error {
	return emit(s, func(w io.Writer) {
		fmt.Fprintf(w, "valid %d, drifted %d, invalid %d, pinned %d\n",
			s.Valid, s.Drifted, s.Invalid, s.Pinned)
	})
}

func anchorHistory(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return usagef("anchor id must be an integer, got %q", args[0])
	}
	hist, err := k.Learnings.AnchorHistory(cmd.Context(), id)
	if err != nil {
		return err
	}
	return emit(hist, func(w io.Writer) {
		if len(hist) == 0 {
			fmt.Fprintln(w, "no status changes")
			return
		}
		for _, h := range hist {
			fmt.Fprintf(w, "%s  %s -> %s  %s\n",
				h.CreatedAt.Format(time.RFC3339), h.OldStatus, h.NewStatus, h.Reason)
		}
	})
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
