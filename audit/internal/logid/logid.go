// Package logid generates time-ordered, globally unique log identifiers.
//
// Layout (63 bits): 41 bits of milliseconds since Epoch, 10 bits of node id,
// 12 bits of per-millisecond sequence. IDs are rendered as 19-digit
// zero-padded decimal strings so text ordering matches numeric ordering.
package logid

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits     = 10
	sequenceBits = 12

	MaxNode     = 1<<nodeBits - 1
	maxSequence = 1<<sequenceBits - 1

	nodeShift = sequenceBits
	timeShift = sequenceBits + nodeBits

	// Width is the length of every rendered ID.
	Width = 19
)

// Epoch is the zero point of the timestamp component (2024-01-01T00:00:00Z).
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator produces strictly increasing IDs. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	node     int64
	lastMs   int64
	sequence int64
	now      func() time.Time
}

// New creates a generator for the given node id (0..MaxNode).
func New(node int64) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, fmt.Errorf("node id %d out of range [0,%d]", node, MaxNode)
	}
	return &Generator{node: node, now: time.Now}, nil
}

// NewWithClock is New with an injectable clock, for tests.
func NewWithClock(node int64, now func() time.Time) (*Generator, error) {
	g, err := New(node)
	if err != nil {
		return nil, err
	}
	g.now = now
	return g, nil
}

// DefaultNode derives a node id from the hostname and process id. Distinct
// processes can hash to the same node, so shared deployments lease one
// instead and use this only as the starting point of the search.
func DefaultNode() int64 {
	host, _ := os.Hostname()
	h := fnv.New32a()
	h.Write([]byte(host))
	h.Write([]byte(strconv.Itoa(os.Getpid())))
	return int64(h.Sum32() % (MaxNode + 1))
}

// Next returns the next ID as an integer.
//
// A clock that moves backwards reuses the last timestamp, and an exhausted
// sequence borrows the following millisecond, so IDs never repeat or
// decrease within a generator.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli() - Epoch.UnixMilli()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		g.sequence++
		if g.sequence > maxSequence {
			ms++
			g.sequence = 0
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	return ms<<timeShift | g.node<<nodeShift | g.sequence
}

// NextString returns the next ID in its fixed-width text form.
func (g *Generator) NextString() string {
	return Format(g.Next())
}

// Format renders id as a fixed-width decimal string.
func Format(id int64) string {
	return fmt.Sprintf("%0*d", Width, id)
}

// Parse converts a rendered ID back to its integer form.
func Parse(s string) (int64, error) {
	if len(s) != Width {
		return 0, fmt.Errorf("log id %q: want %d digits", s, Width)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("log id %q: %w", s, err)
	}
	return id, nil
}

// Time extracts the timestamp component of an ID.
func Time(id int64) time.Time {
	return Epoch.Add(time.Duration(id>>timeShift) * time.Millisecond)
}

// Node extracts the node component of an ID.
func Node(id int64) int64 {
	return (id >> nodeShift) & MaxNode
}
