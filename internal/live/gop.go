package live

// gopItem records one keyframe's position and timestamp.
type gopItem struct {
	index     int64
	timestamp int64
}

// gopIndex is the ordered list of keyframes in a Stream's ring, used to
// locate where a joining player should start reading from. getByLatency
// deliberately returns the oldest keyframe still within the latency
// window, not simply the newest: starting further back gives a joining
// player more of the current group of pictures to decode.
type gopIndex struct {
	items            []gopItem
	gopLength        int32
	maxGopLength     int32
	totalGopLength   int32
	gopNumbers       int32
	latestTimestamp  int64
}

func (g *gopIndex) addFrame(p *Packet) {
	g.latestTimestamp = p.Timestamp

	if p.IsKeyFrame() {
		g.items = append(g.items, gopItem{index: p.Index, timestamp: p.Timestamp})
		if g.gopLength > g.maxGopLength {
			g.maxGopLength = g.gopLength
		}
		g.totalGopLength += g.gopLength
		g.gopNumbers++
		g.gopLength = 0
	}

	g.gopLength++
}

// getByLatency scans from the newest keyframe backwards, keeping the oldest
// candidate whose age (latestTimestamp - candidate.timestamp) still fits
// within contentLatencyMS, and stops at the first candidate that does not.
// Returns index -1 if no keyframe qualifies.
func (g *gopIndex) getByLatency(contentLatencyMS int64) (index int64, latency int64) {
	index = -1
	latency = 0

	for i := len(g.items) - 1; i >= 0; i-- {
		itemLatency := g.latestTimestamp - g.items[i].timestamp
		if itemLatency <= contentLatencyMS {
			index = g.items[i].index
			latency = itemLatency
		} else {
			break
		}
	}

	return index, latency
}

// clearExpired drops every keyframe whose index is at or below minIndex,
// i.e. no longer present in the ring.
func (g *gopIndex) clearExpired(minIndex int64) {
	if len(g.items) == 0 {
		return
	}

	kept := g.items[:0]
	for _, it := range g.items {
		if it.index > minIndex {
			kept = append(kept, it)
		}
	}
	g.items = kept
}

func (g *gopIndex) size() int { return len(g.items) }
