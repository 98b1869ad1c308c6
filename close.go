package ece

// Close stops background work, waits for in-flight ingests and maintenance
// and releases the index. Unless WithKeepIndex was given the index files are
// deleted; the mirror is never touched.
//
// Close is idempotent.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.bgMu.Lock()
	already := e.closed.Swap(true)
	e.bgMu.Unlock()
	if already {
		return nil
	}

	e.bgCancel()
	e.bg.Wait()

	e.gate.Lock()
	defer e.gate.Unlock()

	e.monitor.Stop()
	e.pool.Close()

	var err error
	if e.opts.keepIndex {
		err = e.index.Close()
	} else {
		err = e.index.Discard()
	}
	e.log.Info("engine closed", "dir", e.dir, "index_kept", e.opts.keepIndex, "generation", e.mirror.Generation())
	return err
}
