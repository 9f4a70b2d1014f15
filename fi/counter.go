package fi

// Counter tracks completions of remote-memory operations on an endpoint.
type Counter struct {
	handle CounterHandle
}

// Value returns the current completion count.
func (c *Counter) Value() uint64 {
	if c == nil || c.handle == nil {
		return 0
	}
	return c.handle.Read()
}

// Close releases the counter.
func (c *Counter) Close() error {
	if c == nil || c.handle == nil {
		return nil
	}
	err := c.handle.Close()
	c.handle = nil
	return err
}
