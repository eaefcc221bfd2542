// Package ipsm implements the implemented protocol state machine (spec.md
// §4.6, component C6): a directed graph of observed response states,
// per-state scoring, and the three target-state selection modes.
//
// Modeled as a directed multigraph stored as adjacency lists keyed by
// state id, avoiding cyclic owning references (spec §9 design note).
package ipsm

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
	"github.com/dsmmcken/ssfuzz/internal/queue"
	"github.com/dsmmcken/ssfuzz/internal/rng"
)

// Node is one IPSM state record (spec §3 "State record (IPSM node)").
type Node struct {
	ID                protocolapi.StateID
	IsCovered         bool
	Paths             int
	PathsDiscovered   int
	SelectedTimes     int
	Fuzzs             int
	Score             float64
	Seeds             []int // queue entry ids reaching this state
	SelectedSeedIndex int
	SeenDuringDryRun  bool // governs DOT node color: blue if true, red otherwise
}

// Graph is the IPSM: states plus observed transitions between them.
type Graph struct {
	nodes       map[protocolapi.StateID]*Node
	edges       map[protocolapi.StateID]map[protocolapi.StateID]bool
	seenSeqHash map[uint64]bool
	roundRobin  int
	totalRounds int
}

// New constructs a Graph with the implicit initial state already present.
func New() *Graph {
	g := &Graph{
		nodes:       make(map[protocolapi.StateID]*Node),
		edges:       make(map[protocolapi.StateID]map[protocolapi.StateID]bool),
		seenSeqHash: make(map[uint64]bool),
	}
	g.ensureNode(protocolapi.InitialState)
	return g
}

func (g *Graph) ensureNode(id protocolapi.StateID) *Node {
	n, ok := g.nodes[id]
	if !ok {
		n = &Node{ID: id}
		g.nodes[id] = n
		g.edges[id] = make(map[protocolapi.StateID]bool)
	}
	return n
}

// Node returns the node for id, creating it if needed (spec §3: "created
// on first observation of a state id; never removed").
func (g *Graph) Node(id protocolapi.StateID) *Node { return g.ensureNode(id) }

// States returns all known state ids.
func (g *Graph) States() []protocolapi.StateID {
	out := make([]protocolapi.StateID, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// dedupConsecutive collapses consecutive duplicate states (spec §4.6 "A
// sequence is interesting if its deduplicated-consecutive form has not
// been seen before").
func dedupConsecutive(seq []protocolapi.StateID) []protocolapi.StateID {
	if len(seq) == 0 {
		return nil
	}
	out := make([]protocolapi.StateID, 0, len(seq))
	out = append(out, seq[0])
	for _, s := range seq[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

func hashSeq(seq []protocolapi.StateID) uint64 {
	h := fnv.New64a()
	for _, s := range seq {
		fmt.Fprintf(h, "%d,", s)
	}
	return h.Sum64()
}

// ObserveResult is the outcome of RecordExecution.
type ObserveResult struct {
	Interesting bool
	Dedup       []protocolapi.StateID
	NewNodes    []protocolapi.StateID
	NewEdges    int
}

// RecordExecution updates per-state fuzzs/paths bookkeeping for every
// execution, creates a node (colored by dryRun) for each state not seen
// before, and adds new edges if the dedup'd sequence is interesting
// (testable property 6: two sequences with equal collapsed forms are the
// same path; spec §4.6 "Every execution updates per-state fuzzs and
// paths").
func (g *Graph) RecordExecution(seq []protocolapi.StateID, dryRun bool) ObserveResult {
	var newNodes []protocolapi.StateID
	for _, id := range seq {
		if _, ok := g.nodes[id]; !ok {
			g.ensureNode(id).SeenDuringDryRun = dryRun
			newNodes = append(newNodes, id)
		}
		g.nodes[id].Fuzzs++
	}

	dedup := dedupConsecutive(seq)
	for _, id := range dedup {
		g.nodes[id].Paths++
	}
	h := hashSeq(dedup)
	result := ObserveResult{Dedup: dedup, NewNodes: newNodes}

	if g.seenSeqHash[h] {
		return result
	}
	g.seenSeqHash[h] = true
	result.Interesting = true

	prev := protocolapi.InitialState
	for _, id := range dedup {
		if !g.edges[prev][id] {
			g.edges[prev][id] = true
			result.NewEdges++
		}
		prev = id
	}
	return result
}

// RecordDiscovery marks that a new queue entry was discovered while state
// id was the active target, incrementing PathsDiscovered (spec §3
// "paths_discovered").
func (g *Graph) RecordDiscovery(id protocolapi.StateID, entryID int) {
	n := g.ensureNode(id)
	n.PathsDiscovered++
	n.Seeds = append(n.Seeds, entryID)
}

// Mode names a target-state selection algorithm (spec §4.6).
type Mode int

const (
	ModeRandom Mode = iota
	ModeRoundRobin
	ModeFavored
)

// warmupRounds is the number of full rounds before favored scoring kicks
// in (spec §4.6 "after a warm-up of 5 full rounds").
const warmupRounds = 5

// SelectTargetState picks the next target state according to mode (spec
// §4.6). ModeFavored counts its own warm-up rounds: it selects round-robin
// until warmupRounds full passes over the state set have completed.
func (g *Graph) SelectTargetState(mode Mode, r *rng.Source) protocolapi.StateID {
	states := g.States()
	if len(states) == 0 {
		return protocolapi.InitialState
	}

	switch mode {
	case ModeRoundRobin:
		id := states[g.roundRobin%len(states)]
		g.roundRobin++
		g.nodes[id].SelectedTimes++
		return id

	case ModeFavored:
		if g.totalRounds < warmupRounds {
			id := states[g.roundRobin%len(states)]
			g.roundRobin++
			if g.roundRobin%len(states) == 0 {
				g.totalRounds++
			}
			g.nodes[id].SelectedTimes++
			return id
		}
		return g.selectFavored(states, r)

	default: // ModeRandom
		id := states[r.Intn(len(states))]
		g.nodes[id].SelectedTimes++
		return id
	}
}

// stateScore implements spec §4.6's favored formula:
//
//	1000 * 2^(-log10(log10(fuzzs+1) * selected_times + 1)) * 2^(ln(paths_discovered+1))
func (g *Graph) stateScore(n *Node) float64 {
	fuzzsTerm := math.Log10(float64(n.Fuzzs)+1) * float64(n.SelectedTimes)
	inner := math.Log10(fuzzsTerm + 1)
	discoveryTerm := math.Log(float64(n.PathsDiscovered) + 1)
	return 1000 * math.Pow(2, -inner) * math.Pow(2, discoveryTerm)
}

func (g *Graph) selectFavored(states []protocolapi.StateID, r *rng.Source) protocolapi.StateID {
	scores := make([]float64, len(states))
	total := 0.0
	for i, id := range states {
		n := g.nodes[id]
		n.Score = g.stateScore(n)
		scores[i] = n.Score
		total += scores[i]
	}
	if total <= 0 {
		id := states[r.Intn(len(states))]
		g.nodes[id].SelectedTimes++
		return id
	}
	target := r.Float64() * total
	cum := 0.0
	for i, s := range scores {
		cum += s
		if target <= cum {
			g.nodes[states[i]].SelectedTimes++
			return states[i]
		}
	}
	last := states[len(states)-1]
	g.nodes[last].SelectedTimes++
	return last
}

// SelectSeed picks a seed entry within the target state, combining
// favoritism, current-target relevance, and per-state was_fuzzed flags,
// with skip probabilities biased toward unseen favored entries (spec
// §4.6 "Seed selection within a state").
func SelectSeed(entries []*queue.Entry, target protocolapi.StateID, r *rng.Source) *queue.Entry {
	var candidates []*queue.Entry
	for _, e := range entries {
		if e.GeneratingState == target {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		candidates = entries
	}
	if len(candidates) == 0 {
		return nil
	}

	// Bias toward favored, not-yet-fuzzed-against-target entries: walk the
	// candidate list and skip already-fuzzed/non-favored entries with
	// increasing probability, mirroring AFL's skip-probability seed walk.
	for attempt := 0; attempt < len(candidates)*2; attempt++ {
		e := candidates[r.Intn(len(candidates))]
		if e.Favored && !e.WasFuzzedAgainst(target) {
			return e
		}
		if r.Below(4) {
			return e
		}
	}
	return candidates[r.Intn(len(candidates))]
}

// WriteDOT serializes the graph as Graphviz DOT text (spec §6 "ipsm.dot"),
// node color blue if first seen during dry-run, red otherwise. Built as
// hand-written DOT text rather than via a graphviz library, the same
// reporting style the pack's syzkaller-derived tooling uses for generated
// source/graph text.
func (g *Graph) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph ipsm {"); err != nil {
		return err
	}
	for _, id := range g.States() {
		n := g.nodes[id]
		color := "red"
		if n.SeenDuringDryRun {
			color = "blue"
		}
		if _, err := fmt.Fprintf(w, "  %d [color=%s,label=\"%d\"];\n", id, color, id); err != nil {
			return err
		}
	}
	for from, tos := range g.edges {
		dests := make([]protocolapi.StateID, 0, len(tos))
		for to := range tos {
			dests = append(dests, to)
		}
		sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })
		for _, to := range dests {
			if _, err := fmt.Fprintf(w, "  %d -> %d;\n", from, to); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

// NodeCount and EdgeCount feed plot_data's n_nodes/n_edges columns.
func (g *Graph) NodeCount() int { return len(g.nodes) }
func (g *Graph) EdgeCount() int {
	n := 0
	for _, tos := range g.edges {
		n += len(tos)
	}
	return n
}

var (
	dotNodeLine = regexp.MustCompile(`^\s*(\d+)\s*\[color=(\w+)`)
	dotEdgeLine = regexp.MustCompile(`^\s*(\d+)\s*->\s*(\d+);`)
)

// RestoreFromDOT rebuilds a Graph's node/edge topology from a previously
// written WriteDOT file (spec §4.11 "Session resume ... restores the IPSM
// graph from ipsm.dot"). Per-node scoring history (Fuzzs, Paths, Seeds) is
// not recoverable from the DOT format and is left at zero, the same way a
// resumed AFL-style queue rebuilds its energy stats from scratch rather
// than serializing them; SeenDuringDryRun is restored from node color.
func RestoreFromDOT(r io.Reader) (*Graph, error) {
	g := New()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := dotNodeLine.FindStringSubmatch(line); m != nil {
			id, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			n := g.ensureNode(protocolapi.StateID(id))
			n.SeenDuringDryRun = m[2] == "blue"
			continue
		}
		if m := dotEdgeLine.FindStringSubmatch(line); m != nil {
			from, errA := strconv.Atoi(m[1])
			to, errB := strconv.Atoi(m[2])
			if errA != nil || errB != nil {
				continue
			}
			g.ensureNode(protocolapi.StateID(from))
			g.ensureNode(protocolapi.StateID(to))
			g.edges[protocolapi.StateID(from)][protocolapi.StateID(to)] = true
		}
	}
	return g, scanner.Err()
}
