package live

// headerEntry pairs a cached codec/meta packet with the ring index it was
// captured at, so a locating player can tell whether a cached header is
// still within the ring's retention window.
type headerEntry struct {
	packet *Packet
	index  int64
}

const headerHistoryLimit = 4

// headerCache holds the latest metadata, AAC sequence header and AVC/HEVC
// sequence header for a Stream, plus a short history of each. Stream.Ingest
// bumps the Stream's version counter whenever any of them changes so players
// can detect that they need to re-locate.
type headerCache struct {
	meta        []headerEntry
	audioHeader []headerEntry
	videoHeader []headerEntry
}

func (h *headerCache) push(list *[]headerEntry, p *Packet) {
	*list = append(*list, headerEntry{packet: p, index: p.Index})
	if len(*list) > headerHistoryLimit {
		*list = (*list)[len(*list)-headerHistoryLimit:]
	}
}

func (h *headerCache) latestMeta() *Packet        { return latest(h.meta) }
func (h *headerCache) latestAudioHeader() *Packet { return latest(h.audioHeader) }
func (h *headerCache) latestVideoHeader() *Packet { return latest(h.videoHeader) }

func latest(list []headerEntry) *Packet {
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1].packet
}

// atOrBefore returns the newest cached entry whose index is <= idx, used to
// snapshot headers for a player locating at a given position.
func atOrBefore(list []headerEntry, idx int64) *Packet {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].index <= idx {
			return list[i].packet
		}
	}
	return nil
}
