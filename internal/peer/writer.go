package peer

import (
	"time"

	"swarmd/internal/ratelimit"
	"swarmd/internal/wire"
)

// Send queues a message. It never blocks; messages to a closed connection
// are dropped.
func (c *Conn) Send(m *wire.Message) {
	c.enqueue(outgoing{msg: m})
}

// Upload queues a block for the peer. The data is read and rate limited by
// the writer when the block reaches the front of the queue.
func (c *Conn) Upload(b Block) {
	c.enqueue(outgoing{upload: &b})
}

func (c *Conn) enqueue(o outgoing) {
	c.mu.Lock()
	if c.State() == Closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, o)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// CancelUpload drops a queued block the peer no longer wants.
func (c *Conn) CancelUpload(b Block) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range c.queue {
		if o.upload != nil && *o.upload == b {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// ClearUploads drops every queued block, used when the peer is choked.
func (c *Conn) ClearUploads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.queue[:0]
	n := 0
	for _, o := range c.queue {
		if o.upload != nil {
			n++
			continue
		}
		kept = append(kept, o)
	}
	c.queue = kept
	return n
}

// QueuedUploads is the number of blocks waiting to be sent.
func (c *Conn) QueuedUploads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, o := range c.queue {
		if o.upload != nil {
			n++
		}
	}
	return n
}

func (c *Conn) pop() (outgoing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return outgoing{}, false
	}
	o := c.queue[0]
	c.queue[0] = outgoing{}
	c.queue = c.queue[1:]
	return o, true
}

func (c *Conn) writeLoop() {
	keepAlive := time.NewTicker(c.cfg.keepAliveInterval())
	defer keepAlive.Stop()
	lastWrite := time.Now()

	for {
		o, ok := c.pop()
		if !ok {
			select {
			case <-c.wake:
				continue
			case <-keepAlive.C:
				if time.Since(lastWrite) < c.cfg.keepAliveInterval() {
					continue
				}
				o = outgoing{}
			case <-c.done:
				return
			}
		}

		m := o.msg
		if o.upload != nil {
			var err error
			if m, err = c.prepareUpload(*o.upload); err != nil {
				c.log.Debug().Err(err).Int("piece", o.upload.Index).Msg("Dropping upload")
				continue
			}
			if m == nil {
				return
			}
		}

		if err := c.write(m); err != nil {
			c.Close(classify(err))
			return
		}
		lastWrite = time.Now()
		if o.upload != nil {
			c.uploaded.Add(o.upload.Length)
		}
	}
}

// prepareUpload waits for upload tokens then reads the block. A nil
// message with a nil error means the connection closed while waiting.
func (c *Conn) prepareUpload(b Block) (*wire.Message, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Acquire(c.lifetime, ratelimit.Upload, int(b.Length)); err != nil {
			return nil, nil
		}
	}
	if c.cfg.ReadBlock == nil {
		return nil, ErrClosed
	}
	data, err := c.cfg.ReadBlock(b.Index, b.Begin, b.Length)
	if err != nil {
		return nil, err
	}
	return wire.FormatPiece(b.Index, int(b.Begin), data), nil
}

func (c *Conn) write(m *wire.Message) error {
	if c.cfg.IdleTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.IdleTimeout))
	}
	_, err := c.conn.Write(m.Serialize())
	return err
}
