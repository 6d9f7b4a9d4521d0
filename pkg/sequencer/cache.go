package sequencer

import "github.com/decibel/bdr/pkg/store"

// chunkCache holds the committed chunks a sequence can allocate from.
// Chunks are consumed in the order they were elected; values within a
// chunk are handed out monotonically.
type chunkCache struct {
	chunks []store.SequenceChunk
	cursor int64 // next value within chunks[0]
}

// add appends a committed chunk to the back of the cache.
func (c *chunkCache) add(chunk store.SequenceChunk) {
	if len(c.chunks) == 0 {
		c.cursor = chunk.Low
	}
	c.chunks = append(c.chunks, chunk)
}

// take returns the next free value, or false if the cache is empty.
func (c *chunkCache) take() (int64, bool) {
	for len(c.chunks) > 0 {
		head := &c.chunks[0]
		if c.cursor < head.Low {
			c.cursor = head.Low
		}
		if c.cursor < head.High {
			v := c.cursor
			c.cursor++
			return v, true
		}
		c.chunks = c.chunks[1:]
		if len(c.chunks) > 0 {
			c.cursor = c.chunks[0].Low
		}
	}
	return 0, false
}

// remaining counts the values still available.
func (c *chunkCache) remaining() int64 {
	var n int64
	for i := range c.chunks {
		low := c.chunks[i].Low
		if i == 0 && c.cursor > low {
			low = c.cursor
		}
		if c.chunks[i].High > low {
			n += c.chunks[i].High - low
		}
	}
	return n
}
