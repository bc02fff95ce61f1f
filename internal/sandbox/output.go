package sandbox

import (
	"bytes"
	"fmt"
)

// truncationMarker is appended to a stream that hit its cap.
const truncationMarker = "\n[output truncated after %d bytes]\n"

// cappedBuffer keeps the first limit bytes written to it and drops the rest.
// Write never fails, so a chatty child is never blocked on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - int64(c.buf.Len())
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Truncated() bool { return c.truncated }

// String returns the captured bytes plus the marker when truncated.
func (c *cappedBuffer) String() string {
	if !c.truncated {
		return c.buf.String()
	}
	return c.buf.String() + fmt.Sprintf(truncationMarker, c.limit)
}
